// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Per-call deadlines for worker RPC. Poll traffic is latency-sensitive and
// kept short; git operations may legitimately take tens of seconds.
const (
	// PollTimeout bounds each poll-cycle RPC (/conversations, /poll-*).
	PollTimeout = 1500 * time.Millisecond

	// StateLogicTimeout bounds the state-tick RPCs (/claude-state, /prompt).
	StateLogicTimeout = 5 * time.Second

	// GitTimeout bounds commit and push RPCs.
	GitTimeout = 30 * time.Second

	// StartTimeout bounds the initial clone/restore on the worker.
	StartTimeout = 5 * time.Minute
)

// Health-check probing during provisioning.
const (
	// HealthProbeAttempts is how many health probes run before provisioning fails.
	HealthProbeAttempts = 5

	// HealthProbeInterval is the wait between health probes.
	HealthProbeInterval = 1 * time.Second
)

// Slow-path logging thresholds for the worker RPC client.
const (
	// SlowDBLookup flags agent-coordinate lookups slower than this.
	SlowDBLookup = 50 * time.Millisecond

	// SlowCall flags whole RPC calls slower than this.
	SlowCall = 200 * time.Millisecond
)
