package tunnel

import "errors"

var (
	// ErrPortsExhausted means no forward/edge port pair is free in the
	// configured range.
	ErrPortsExhausted = errors.New("tunnel port range exhausted")

	// ErrKeyRejected means the agent refused the controller's SSH key. It is
	// recoverable: a redeploy command is queued and the caller retries later.
	ErrKeyRejected = errors.New("ssh key rejected by agent")

	// ErrProcessSpawnFailed means the SSH forward process could not be
	// started.
	ErrProcessSpawnFailed = errors.New("forward process spawn failed")

	// ErrProcessVerifyFailed means a spawned process never came up listening
	// within the verification window.
	ErrProcessVerifyFailed = errors.New("forward process verification failed")

	// ErrMonitorBusy means another health monitor run holds the instance
	// lock; the caller exits rather than queue behind it.
	ErrMonitorBusy = errors.New("health monitor already running")
)
