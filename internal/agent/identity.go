// Package agent implements the bot-agent: a stable self-minted identity, the
// reconnecting commander session, and the command executor that runs
// dispatched work in child processes.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

// identityFileName is the well-known file holding the agent's identifier.
const identityFileName = ".bot-agent.id"

// DefaultIdentityPath returns the identifier file location used when the
// operator does not configure one.
func DefaultIdentityPath() string {
	return filepath.Join(os.TempDir(), identityFileName)
}

// LoadOrCreateID returns the agent's persistent identifier, minting and
// persisting a fresh one on first start. The write goes through a temp file
// and rename so a crash can never leave a half-written identity behind.
func LoadOrCreateID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt identity file; mint a new one below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("agent: read identity %s: %w", path, err)
	}

	id := uuid.NewString()
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, identityFileName+".*")
	if err != nil {
		return "", fmt.Errorf("agent: create identity temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("agent: write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("agent: close identity temp file: %w", err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("agent: chmod identity: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("agent: persist identity: %w", err)
	}
	return id, nil
}

// Describe reports the hostname and the OS label used on the wire. OS values
// match the filters the commander's control plane accepts.
func Describe() (hostname, osName string, err error) {
	info, err := host.Info()
	if err != nil {
		return "", "", fmt.Errorf("agent: host info: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		osName = "Windows"
	case "darwin":
		osName = "Darwin"
	case "linux":
		osName = "Linux"
	default:
		osName = strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
	}
	return info.Hostname, osName, nil
}
