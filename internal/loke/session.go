// internal/loke/session.go
// LOKE session state machine. A session exclusively owns its link; the
// host program is the single logical actor driving it.
package loke

import (
	"bytes"
	"fmt"
	"time"

	"odinflash/internal/link"
	"odinflash/internal/observer"
)

// State of the session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateOpen
	StateGreeted
	StatePitMode
	StateTransferring
	StateEnded
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateOpen:
		return "open"
	case StateGreeted:
		return "greeted"
	case StatePitMode:
		return "pit mode"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// HandshakeTimeout bounds the wait for the LOKE/ACK greeting reply.
	HandshakeTimeout = 1000 * time.Millisecond

	// AckTimeout bounds the wait for control-packet acknowledgements.
	AckTimeout = 1000 * time.Millisecond

	// PitIdleWindow ends a PIT dump: once the link stays silent this long
	// the accumulated bytes are the blob.
	PitIdleWindow = 200 * time.Millisecond

	// StabilityWindow lets the flash controller finish repartitioning
	// after the last PIT segment before any further command.
	StabilityWindow = 1000 * time.Millisecond

	idlePoll = 10 * time.Millisecond
)

// Session drives the LOKE protocol over an open link.
type Session struct {
	t      link.Transport
	state  State
	obs    *observer.Observer
	reopen func() (link.Transport, error)
}

// NewSession wraps an already-open link. The link must have completed its
// settling window (link.Open guarantees that) before any greeting traffic.
func NewSession(t link.Transport, obs *observer.Observer) *Session {
	return &Session{t: t, state: StateOpen, obs: obs}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// SetReopen registers a redial callback the recovery coordinator uses when
// the link was closed by the fault it is recovering from.
func (s *Session) SetReopen(fn func() (link.Transport, error)) { s.reopen = fn }

// Greet sends ODIN and accepts either a LOKE reply or a bare ACK; both
// mean the session is live. A read timeout earns one retry after a full
// purge.
func (s *Session) Greet() error {
	if s.state != StateOpen {
		return newProtocolError(ErrCodeUnexpectedState, fmt.Sprintf("greet while %s", s.state), nil)
	}
	if err := s.greetOnce(); err != nil {
		if !link.IsTransient(err) {
			return s.fault(err)
		}
		s.obs.Logf(observer.LevelWarning, "greeting timed out, purging and retrying")
		if perr := s.t.Purge(true, true, true); perr != nil {
			return s.fault(perr)
		}
		if err := s.greetOnce(); err != nil {
			return s.fault(newProtocolError(ErrCodeGreetFailed, "greeting", err))
		}
	}
	s.state = StateGreeted
	s.obs.Logf(observer.LevelSuccess, "ODIN")
	return nil
}

func (s *Session) greetOnce() error {
	if err := s.t.Write(EncodePacket(CmdHandshake, 0, 0)); err != nil {
		return err
	}
	return readGreetReply(s.t, HandshakeTimeout)
}

// readGreetReply consumes the device's answer to ODIN: the four ASCII
// bytes LOKE, or a single ACK.
func readGreetReply(t link.Transport, timeout time.Duration) error {
	var first [1]byte
	if err := t.ReadExact(first[:], timeout); err != nil {
		return err
	}
	switch first[0] {
	case Ack:
		return nil
	case handshakeReply[0]:
		var rest [3]byte
		if err := t.ReadExact(rest[:], timeout); err != nil {
			return err
		}
		if !bytes.Equal(rest[:], []byte(handshakeReply[1:])) {
			return newProtocolError(ErrCodeGreetFailed, "greeting",
				fmt.Errorf("device sent %q", append(first[:], rest[:]...)))
		}
		return nil
	default:
		return newProtocolError(ErrCodeGreetFailed, "greeting",
			fmt.Errorf("device sent 0x%02X", first[0]))
	}
}

// ReadPit sends PITR and drains control-sized reads until the link stays
// idle for PitIdleWindow. An empty result is an error.
func (s *Session) ReadPit() ([]byte, error) {
	if s.state != StateGreeted {
		return nil, newProtocolError(ErrCodeUnexpectedState, fmt.Sprintf("read pit while %s", s.state), nil)
	}
	if err := s.t.Write(EncodePacket(CmdPitDump, 0, 0)); err != nil {
		return nil, s.fault(err)
	}

	var blob bytes.Buffer
	chunk := make([]byte, PacketSize)
	idle := time.Duration(0)
	for idle < PitIdleWindow {
		n, err := s.t.ReadAvailable(chunk)
		if err != nil {
			return nil, s.fault(err)
		}
		if n > 0 {
			blob.Write(chunk[:n])
			idle = 0
			continue
		}
		time.Sleep(idlePoll)
		idle += idlePoll
	}
	if blob.Len() == 0 {
		return nil, s.fault(newProtocolError(ErrCodePitEmpty, "pit read", nil))
	}
	s.obs.Logf(observer.LevelInfo, "received %d byte PIT", blob.Len())
	return blob.Bytes(), nil
}

// WritePit enters PIT-write mode, streams the blob in 500-byte padded
// segments with a per-segment ACK, then waits out the stability window.
// Any missing ACK in this phase is fatal.
func (s *Session) WritePit(blob []byte) error {
	if s.state != StateGreeted {
		return newProtocolError(ErrCodeUnexpectedState, fmt.Sprintf("write pit while %s", s.state), nil)
	}
	if err := s.t.Write(EncodePacket(CmdPitMode, 0, 0)); err != nil {
		return s.fault(err)
	}
	b, got, err := AwaitAck(s.t, AckTimeout)
	if err != nil {
		return s.fault(err)
	}
	if !got || b != Ack {
		return s.fault(newProtocolError(ErrCodeBadAck, "pit mode entry", nil))
	}
	s.state = StatePitMode

	segments := (len(blob) + PacketSize - 1) / PacketSize
	seg := make([]byte, PacketSize)
	for i := 0; i < segments; i++ {
		for j := range seg {
			seg[j] = 0
		}
		copy(seg, blob[i*PacketSize:])
		if err := s.t.Write(seg); err != nil {
			return s.fault(err)
		}
		b, got, err := AwaitAck(s.t, AckTimeout)
		if err != nil {
			return s.fault(err)
		}
		if !got || b != Ack {
			return s.fault(newProtocolError(ErrCodeBadAck, fmt.Sprintf("pit write segment %d", i), nil))
		}
	}

	time.Sleep(StabilityWindow)
	s.state = StateGreeted
	s.obs.Logf(observer.LevelSuccess, "PIT written, %d segments", segments)
	return nil
}

// End sends ENDS; the device closes the session and reboots itself. The
// link is released. A second call reports UnexpectedState without touching
// the link.
func (s *Session) End() error {
	return s.finish(CmdEndSession)
}

// Reboot sends REBT, an explicit reboot to normal mode.
func (s *Session) Reboot() error {
	return s.finish(CmdReboot)
}

func (s *Session) finish(cmd Command) error {
	if s.state != StateGreeted {
		return newProtocolError(ErrCodeUnexpectedState, fmt.Sprintf("%s while %s", cmd, s.state), nil)
	}
	if err := s.t.Write(EncodePacket(cmd, 0, 0)); err != nil {
		return s.fault(err)
	}
	s.state = StateEnded
	if err := s.t.Close(); err != nil {
		return err
	}
	s.obs.Logf(observer.LevelInfo, "session ended (%s)", cmd)
	return nil
}

// Fault marks the session failed from outside, e.g. when the monitor sees
// the device disappear. The link is hard-closed.
func (s *Session) Fault(reason string) {
	if s.state == StateEnded || s.state == StateFaulted {
		return
	}
	s.state = StateFaulted
	s.obs.Logf(observer.LevelError, "session faulted: %s", reason)
	s.t.Close()
}

func (s *Session) fault(err error) error {
	s.state = StateFaulted
	return err
}
