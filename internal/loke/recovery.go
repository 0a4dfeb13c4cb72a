// internal/loke/recovery.go
// Recovery from transient I/O stalls: purge both directions including any
// pending kernel-side I/O, wait for the line to settle, re-run the
// handshake. One recovery per failure; the caller retries the failing
// chunk once and no more.
package loke

import (
	"time"

	"odinflash/internal/observer"
)

// RecoveryDelay is the stability wait between the purge and the
// re-handshake.
const RecoveryDelay = 500 * time.Millisecond

// Recover resets the link after a transient stall and re-establishes the
// session. On success the session is Greeted again; on failure it is
// Faulted and the original error context is preserved in the logs.
func (s *Session) Recover(cause error) error {
	s.obs.Logf(observer.LevelWarning, "recovering link: %v", cause)

	if err := s.t.Purge(true, true, true); err != nil {
		// Degraded path: clear the hardware error state and discard both
		// buffers by hand.
		s.obs.Logf(observer.LevelDebug, "purge failed (%v), falling back to clear-errors", err)
		if cerr := s.t.ClearErrors(); cerr != nil {
			return s.fault(cerr)
		}
		s.t.Purge(true, true, false)
	}

	time.Sleep(RecoveryDelay)

	if s.t.Closed() {
		if s.reopen == nil {
			return s.fault(cause)
		}
		t, err := s.reopen()
		if err != nil {
			return s.fault(err)
		}
		s.t = t
	}

	if err := s.greetOnce(); err != nil {
		s.obs.Logf(observer.LevelError, "re-handshake failed: %v", err)
		return s.fault(newProtocolError(ErrCodeGreetFailed, "recovery greeting", err))
	}

	s.state = StateGreeted
	s.obs.Logf(observer.LevelInfo, "link recovered")
	return nil
}
