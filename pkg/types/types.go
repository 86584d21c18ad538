// Package types defines the core domain types for the local sandbox engine.
package types

import (
	"time"
)

// AgentType identifies the coding agent a sandbox hosts.
type AgentType string

const (
	AgentNone     AgentType = ""
	AgentClaude   AgentType = "claude"
	AgentCodex    AgentType = "codex"
	AgentOpenCode AgentType = "opencode"
	AgentGemini   AgentType = "gemini"
	AgentGrok     AgentType = "grok"
)

// KnownAgentTypes lists every agent type with a published image.
var KnownAgentTypes = []AgentType{AgentClaude, AgentCodex, AgentOpenCode, AgentGemini, AgentGrok}

// Valid reports whether the agent type is empty or one of the known types.
func (a AgentType) Valid() bool {
	if a == AgentNone {
		return true
	}
	for _, known := range KnownAgentTypes {
		if a == known {
			return true
		}
	}
	return false
}

// RunsPrivileged reports whether the agent image runs as root internally.
// Such images get no cache volume at the working directory, otherwise the
// volume ownership conflicts with the image's own setup.
func (a AgentType) RunsPrivileged() bool {
	return a == AgentOpenCode
}

// SandboxState represents the lifecycle state of a sandbox instance.
type SandboxState string

const (
	StateUninitialized SandboxState = "uninitialized"
	StateInitializing  SandboxState = "initializing"
	StateReady         SandboxState = "ready"
	StateExecuting     SandboxState = "executing"
	StateKilled        SandboxState = "killed"
)

// Stream names an output stream of a command.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// RunOptions controls a single command execution.
type RunOptions struct {
	// Timeout bounds a foreground command. Zero means no limit.
	Timeout time.Duration
	// Background issues the command without waiting for its output.
	Background bool
	// OnStdout and OnStderr receive output line by line.
	OnStdout func(line string)
	OnStderr func(line string)
}

// ExecResult is the structured outcome of a command. Commands never fail
// with a Go error after the sandbox is running; failures land here.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`

	// Snapshot identifies the workspace state the command left behind.
	// It is empty when the command failed and the workspace was not replaced.
	Snapshot string `json:"snapshot,omitempty"`
}

// Environment describes a sandbox known to a provider.
type Environment struct {
	ID        string    `json:"id"`
	AgentType AgentType `json:"agent_type"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
}
