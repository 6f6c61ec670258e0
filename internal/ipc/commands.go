// Package ipc implements the file-based command/status exchange between
// the daemon and local tooling (evcam-ctl) under ~/.cache/evcam.
package ipc

import (
	"os"
	"path/filepath"
	"strings"
)

// Command represents user commands from local tooling to the daemon.
type Command string

const (
	CmdRecord Command = "record" // Start segmented recording on all cameras
	CmdStop   Command = "stop"   // Stop recording on all cameras
	CmdStatus Command = "status" // Force a status snapshot refresh
	CmdQuit   Command = "quit"   // Shutdown daemon
)

// CacheDir returns the daemon's cache directory.
func CacheDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "evcam")
}

// CommandPath returns the command mailbox path.
func CommandPath() string {
	return filepath.Join(CacheDir(), "cmd.txt")
}

// WriteCommand writes a command to the mailbox file.
func WriteCommand(cmd Command) error {
	if err := os.MkdirAll(CacheDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(), []byte(string(cmd)), 0644)
}

// ReadCommand reads and clears the mailbox file. Returns empty string if
// no command is pending or the file doesn't exist.
func ReadCommand() (Command, error) {
	data, err := os.ReadFile(CommandPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // No command pending
		}
		return "", err
	}

	// Clear the file immediately to prevent re-execution.
	if err := os.WriteFile(CommandPath(), []byte(""), 0644); err != nil {
		return "", err
	}

	cmd := Command(strings.TrimSpace(string(data)))
	switch cmd {
	case CmdRecord, CmdStop, CmdStatus, CmdQuit:
		return cmd, nil
	case "":
		return "", nil
	default:
		// Invalid command - ignore it
		return "", nil
	}
}
