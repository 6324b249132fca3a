// Package hub is the real-time core: per-socket connections, the
// registry that indexes them by document, and the coordinator that
// dispatches authenticated messages, enforces causal delivery, and fans
// deltas and awareness out locally and across nodes.
package hub

import "time"

// Wire error reasons.
const (
	ReasonInvalidFrame       = "invalid_frame"
	ReasonUnknownMessageType = "unknown_message_type"
	ReasonFrameTooLarge      = "frame_too_large"

	ReasonNotAuthenticated = "not_authenticated"
	ReasonAuthFailed       = "auth_failed"
	ReasonAuthTimeout      = "auth_timeout"

	ReasonPermissionDenied  = "permission_denied"
	ReasonNotSubscribed     = "not_subscribed"
	ReasonInvalidDocumentID = "invalid_document_id"
	ReasonRateLimited       = "rate_limited"

	ReasonCausalityViolation = "causality_violation"
	ReasonInternalError      = "internal_error"

	ReasonSlowConsumer   = "slow_consumer"
	ReasonServerShutdown = "server_shutdown"
)

// Options sizes one connection's timers and queues.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	SendTimeout       time.Duration
	SendQueueSize     int
	MaxFrameBytes     int64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		AuthTimeout:       10 * time.Second,
		SendTimeout:       5 * time.Second,
		SendQueueSize:     1024,
		MaxFrameBytes:     1 << 20,
	}
}
