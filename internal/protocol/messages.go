// Package protocol defines the line-delimited JSON wire protocol spoken
// between the commander and its bot-agents, and the Framer that carries it
// over a TCP/TLS stream.
//
// Every frame is the UTF-8 encoding of a single JSON object terminated by one
// '\n' byte. Each object carries a "message" tag naming its variant; Decode is
// the single deserialization point that turns a raw frame into the concrete
// message type. Unknown tags are a protocol error — peers that speak something
// else get disconnected, not ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message tag values. The strings are the wire contract and must not change.
const (
	MsgBotHostInfo      = "botHostInfo"
	MsgBotHostInfoReply = "botHostInfoReply"
	MsgBotHello         = "botHello"
	MsgBotHelloReply    = "botHelloReply"
	MsgExeCommand       = "exeCommand"
	MsgExeCommandReply  = "exeCommandReply"
	MsgExeScript        = "exeScript"
	MsgExeScriptReply   = "exeScriptReply"
)

// ErrUnknownMessage is returned by Decode when the "message" tag does not
// name a known variant.
var ErrUnknownMessage = fmt.Errorf("protocol: unknown message")

// Message is implemented by every wire message variant.
type Message interface {
	// Kind returns the value of the "message" tag.
	Kind() string
}

// BotHostInfo is the registration frame an agent sends immediately after the
// TLS handshake. UUID is the agent's stable identifier; Hostname and OS are
// host-reported and may change between connections.
type BotHostInfo struct {
	Message  string `json:"message"`
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
}

func (BotHostInfo) Kind() string { return MsgBotHostInfo }

// NewBotHostInfo builds a registration frame.
func NewBotHostInfo(uuid, hostname, os string) BotHostInfo {
	return BotHostInfo{Message: MsgBotHostInfo, UUID: uuid, Hostname: hostname, OS: os}
}

// BotHostInfoReply acknowledges a registration.
type BotHostInfoReply struct {
	Message string `json:"message"`
}

func (BotHostInfoReply) Kind() string { return MsgBotHostInfoReply }

// NewBotHostInfoReply builds a registration ack.
func NewBotHostInfoReply() BotHostInfoReply {
	return BotHostInfoReply{Message: MsgBotHostInfoReply}
}

// BotHello is the agent-initiated keepalive.
type BotHello struct {
	Message string `json:"message"`
}

func (BotHello) Kind() string { return MsgBotHello }

// NewBotHello builds a keepalive frame.
func NewBotHello() BotHello {
	return BotHello{Message: MsgBotHello}
}

// BotHelloReply acknowledges a keepalive.
type BotHelloReply struct {
	Message string `json:"message"`
}

func (BotHelloReply) Kind() string { return MsgBotHelloReply }

// NewBotHelloReply builds a keepalive ack.
func NewBotHelloReply() BotHelloReply {
	return BotHelloReply{Message: MsgBotHelloReply}
}

// ExeCommand instructs the agent to run a shell command. CmdID is the
// CommandHistory row assigned to this (command, agent) pair and must be
// echoed back on the reply. Timeout is the per-child-process deadline in
// seconds.
type ExeCommand struct {
	Message string `json:"message"`
	Command string `json:"command"`
	Timeout int64  `json:"timeout"`
	CmdID   int64  `json:"cmd_id"`
}

func (ExeCommand) Kind() string { return MsgExeCommand }

// NewExeCommand builds a command dispatch frame.
func NewExeCommand(command string, timeout, cmdID int64) ExeCommand {
	return ExeCommand{Message: MsgExeCommand, Command: command, Timeout: timeout, CmdID: cmdID}
}

// ExeCommandReply carries the outcome of an ExeCommand back to the commander.
type ExeCommandReply struct {
	Message  string   `json:"message"`
	Command  string   `json:"command"`
	CmdID    int64    `json:"cmd_id"`
	Result   string   `json:"result"`
	ExitCode ExitCode `json:"exit_code"`
}

func (ExeCommandReply) Kind() string { return MsgExeCommandReply }

// NewExeCommandReply builds a command outcome frame.
func NewExeCommandReply(command string, cmdID int64, result string, exitCode ExitCode) ExeCommandReply {
	return ExeCommandReply{Message: MsgExeCommandReply, Command: command, CmdID: cmdID, Result: result, ExitCode: exitCode}
}

// ExeScript instructs the agent to run an inline script. Script is the source
// path on the commander (echoed back for correlation in history), Type selects
// the interpreter, and Command carries the literal script source.
type ExeScript struct {
	Message string `json:"message"`
	Script  string `json:"script"`
	Type    string `json:"type"`
	Timeout int64  `json:"timeout"`
	Command string `json:"command"`
	CmdID   int64  `json:"cmd_id"`
}

func (ExeScript) Kind() string { return MsgExeScript }

// NewExeScript builds a script dispatch frame.
func NewExeScript(scriptPath, scriptType, source string, timeout, cmdID int64) ExeScript {
	return ExeScript{
		Message: MsgExeScript,
		Script:  scriptPath,
		Type:    scriptType,
		Timeout: timeout,
		Command: source,
		CmdID:   cmdID,
	}
}

// ExeScriptReply carries the outcome of an ExeScript. Command echoes the
// script path, not the source.
type ExeScriptReply struct {
	Message  string   `json:"message"`
	Command  string   `json:"command"`
	CmdID    int64    `json:"cmd_id"`
	Result   string   `json:"result"`
	ExitCode ExitCode `json:"exit_code"`
}

func (ExeScriptReply) Kind() string { return MsgExeScriptReply }

// NewExeScriptReply builds a script outcome frame.
func NewExeScriptReply(scriptPath string, cmdID int64, result string, exitCode ExitCode) ExeScriptReply {
	return ExeScriptReply{Message: MsgExeScriptReply, Command: scriptPath, CmdID: cmdID, Result: result, ExitCode: exitCode}
}

// ExitCode is the child-process exit status carried on reply frames. The wire
// encodes a real exit status as a JSON number and "the child never ran" (for
// example an unknown executable) as the literal false.
type ExitCode struct {
	Code  int
	Valid bool
}

// NewExitCode wraps a real exit status.
func NewExitCode(code int) ExitCode {
	return ExitCode{Code: code, Valid: true}
}

// NoExitCode reports "never ran" — encoded as false on the wire.
func NoExitCode() ExitCode {
	return ExitCode{}
}

// String renders the value the way it is persisted in the event log.
func (e ExitCode) String() string {
	if !e.Valid {
		return "false"
	}
	return strconv.Itoa(e.Code)
}

// MarshalJSON encodes the exit status as a number, or false when unset.
func (e ExitCode) MarshalJSON() ([]byte, error) {
	if !e.Valid {
		return []byte("false"), nil
	}
	return []byte(strconv.Itoa(e.Code)), nil
}

// UnmarshalJSON accepts a JSON number, false, or null (treated as unset).
func (e *ExitCode) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "false", "null":
		*e = ExitCode{}
		return nil
	}
	code, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("protocol: invalid exit_code %q: %w", data, err)
	}
	*e = ExitCode{Code: code, Valid: true}
	return nil
}

// envelope is the minimal shape peeked at by Decode to select the variant.
type envelope struct {
	Message string `json:"message"`
}

// Decode parses one frame into its concrete message type. The frame must be a
// single JSON object; the trailing newline has already been stripped by the
// Framer. Unknown "message" tags return ErrUnknownMessage.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Message {
	case MsgBotHostInfo:
		msg, err = unmarshal[BotHostInfo](frame)
	case MsgBotHostInfoReply:
		msg, err = unmarshal[BotHostInfoReply](frame)
	case MsgBotHello:
		msg, err = unmarshal[BotHello](frame)
	case MsgBotHelloReply:
		msg, err = unmarshal[BotHelloReply](frame)
	case MsgExeCommand:
		msg, err = unmarshal[ExeCommand](frame)
	case MsgExeCommandReply:
		msg, err = unmarshal[ExeCommandReply](frame)
	case MsgExeScript:
		msg, err = unmarshal[ExeScript](frame)
	case MsgExeScriptReply:
		msg, err = unmarshal[ExeScriptReply](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Message)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshal[T Message](frame []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("protocol: malformed %s frame: %w", m.Kind(), err)
	}
	return m, nil
}
