// Package types defines error types for the local sandbox engine.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotRunning     = errors.New("sandbox is not running")
	ErrNotInitialized = errors.New("sandbox is not initialized")
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrPoolClosed     = errors.New("connection pool is closed")
	ErrUnknownAgent   = errors.New("unknown agent type")
)

// ResolutionError is returned when no usable image could be produced for an
// agent type. It is fatal for sandbox initialization.
type ResolutionError struct {
	AgentType AgentType
	Image     string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve image for agent %q (%s): %v", e.AgentType, e.Image, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ExecutionError represents a command that could not run, or failed, in a sandbox.
type ExecutionError struct {
	SandboxID string
	Command   string
	ExitCode  int
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("exec %q in sandbox %s: exit code %d: %v", e.Command, e.SandboxID, e.ExitCode, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ValidationError reports a shell metacharacter found outside quotes.
type ValidationError struct {
	Command string
	Char    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("command contains forbidden character %q outside quotes", e.Char)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidCommand
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
