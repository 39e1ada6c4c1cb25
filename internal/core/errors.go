package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSSHNotFound means no ssh client could be located in PATH.
	ErrSSHNotFound = errors.New("ssh client not found")

	// ErrPortExhausted means every candidate port for the local server was taken.
	ErrPortExhausted = errors.New("no available port")

	// ErrProjectNotFound means the project marker file is missing from the project root.
	ErrProjectNotFound = errors.New("project not found")

	// ErrLaunchFailed means the local server exited during its startup grace period.
	ErrLaunchFailed = errors.New("failed to start development server")

	// ErrNoServer means --no-serve was requested but nothing listens on the target port.
	ErrNoServer = errors.New("no server running")

	// ErrTunnelConnectFailed means the ssh process exited before a URL was announced.
	ErrTunnelConnectFailed = errors.New("tunnel connection failed")

	// ErrTunnelURLUnconfirmed is soft: the tunnel is up but no URL was seen in time.
	ErrTunnelURLUnconfirmed = errors.New("tunnel connected but URL not detected")
)

// LaunchError carries whatever the server wrote to stderr before dying.
type LaunchError struct {
	Stderr string
}

func (e *LaunchError) Error() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return fmt.Sprintf("%s: %s", ErrLaunchFailed, s)
	}
	return ErrLaunchFailed.Error()
}

func (e *LaunchError) Unwrap() error { return ErrLaunchFailed }

// TunnelError carries the ssh client's error stream for a tunnel that never came up.
type TunnelError struct {
	ExitCode int
	Stderr   string
}

func (e *TunnelError) Error() string {
	msg := fmt.Sprintf("%s (exit code %d)", ErrTunnelConnectFailed, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *TunnelError) Unwrap() error { return ErrTunnelConnectFailed }
