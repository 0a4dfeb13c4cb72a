package loke

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"odinflash/internal/observer"
)

// Greet against a device that answers LOKE to the first ODIN packet.
func TestGreetWithLokeReply(t *testing.T) {
	f := newFakeTransport()
	f.onWrite = func(f *fakeTransport, p []byte) error {
		if isControlPacket(p, CmdHandshake) {
			f.inbox.WriteString("LOKE")
		}
		return nil
	}
	sink := &logSink{}
	sess := NewSession(f, sink.observer())

	require.NoError(t, sess.Greet())
	require.Equal(t, StateGreeted, sess.State())
	require.Equal(t, 1, sink.count(observer.LevelSuccess))
	require.Contains(t, sink.lines, "ODIN")
}

// Greeting tolerates a bare ACK instead of the four ASCII bytes.
func TestGreetWithBareAck(t *testing.T) {
	f := newFakeTransport()
	f.onWrite = func(f *fakeTransport, p []byte) error {
		if isControlPacket(p, CmdHandshake) {
			f.inbox.WriteByte(Ack)
		}
		return nil
	}
	sess := NewSession(f, nil)

	require.NoError(t, sess.Greet())
	require.Equal(t, StateGreeted, sess.State())
}

// A silent device earns one retry with a full purge; a second silence is
// a greeting failure.
func TestGreetRetriesOnceThenFails(t *testing.T) {
	f := newFakeTransport()
	sess := NewSession(f, nil)

	err := sess.Greet()
	require.Error(t, err)
	require.Equal(t, ErrCodeGreetFailed, CodeOf(err))
	require.Equal(t, StateFaulted, sess.State())

	// Two handshake packets were sent, separated by a purge.
	var handshakes int
	for _, w := range f.writes {
		if isControlPacket(w, CmdHandshake) {
			handshakes++
		}
	}
	require.Equal(t, 2, handshakes)
	require.Contains(t, f.events, "purge(true,true,true)")
}

// A reply that is neither LOKE nor ACK fails without a retry.
func TestGreetRejectsGarbage(t *testing.T) {
	f := newFakeTransport()
	f.onWrite = func(f *fakeTransport, p []byte) error {
		if isControlPacket(p, CmdHandshake) {
			f.inbox.WriteByte(0x15)
		}
		return nil
	}
	sess := NewSession(f, nil)

	err := sess.Greet()
	require.Error(t, err)
	require.Equal(t, ErrCodeGreetFailed, CodeOf(err))
}

func greeted(t *testing.T, f *fakeTransport, sink *logSink) *Session {
	t.Helper()
	prev := f.onWrite
	f.onWrite = func(f *fakeTransport, p []byte) error {
		if isControlPacket(p, CmdHandshake) {
			f.inbox.WriteString("LOKE")
		}
		return nil
	}
	var obs *observer.Observer
	if sink != nil {
		obs = sink.observer()
	}
	sess := NewSession(f, obs)
	require.NoError(t, sess.Greet())
	f.onWrite = prev
	return sess
}

// PIT round trip: mode entry acked, each padded segment acked, then the
// dump returns the blob terminated by line idle.
func TestPitRoundTrip(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	pit := make([]byte, 1024)
	pit[0], pit[1], pit[2] = 0x01, 0x02, 0x03

	f.onWrite = func(f *fakeTransport, p []byte) error {
		switch {
		case isControlPacket(p, CmdPitMode):
			f.inbox.WriteByte(Ack)
		case isControlPacket(p, CmdPitDump):
			f.inbox.Write(pit)
		case len(p) == PacketSize:
			// padded payload segment
			f.inbox.WriteByte(Ack)
		}
		return nil
	}

	require.NoError(t, sess.WritePit(pit))
	require.Equal(t, StateGreeted, sess.State())

	got, err := sess.ReadPit()
	require.NoError(t, err)
	require.Len(t, got, 1024)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got[:3])
}

// Every PIT segment on the wire is exactly 500 bytes; the last is the
// zero-padded tail of the input.
func TestPitSegmentPadding(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	blob := bytes.Repeat([]byte{0xAB}, 1100)
	f.onWrite = func(f *fakeTransport, p []byte) error {
		f.inbox.WriteByte(Ack)
		return nil
	}
	require.NoError(t, sess.WritePit(blob))

	// writes: greet packet, PITM packet + 3 segments
	var segments [][]byte
	for _, w := range f.writes {
		if len(w) == PacketSize && !isControlPacket(w, CmdPitMode) && !isControlPacket(w, CmdHandshake) {
			segments = append(segments, w)
		}
	}
	require.Len(t, segments, 3)
	for _, seg := range segments {
		require.Len(t, seg, PacketSize)
	}
	require.Equal(t, blob[1000:], segments[2][:100])
	require.Equal(t, make([]byte, PacketSize-100), segments[2][100:])
}

// A missing segment ACK during PIT write is fatal.
func TestPitWriteMissingAckIsFatal(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	acked := 0
	f.onWrite = func(f *fakeTransport, p []byte) error {
		if isControlPacket(p, CmdPitMode) {
			f.inbox.WriteByte(Ack)
			return nil
		}
		if acked == 0 {
			f.inbox.WriteByte(Ack)
			acked++
		}
		return nil
	}

	err := sess.WritePit(make([]byte, 1200))
	require.Error(t, err)
	require.Equal(t, ErrCodeBadAck, CodeOf(err))
	require.Equal(t, StateFaulted, sess.State())
}

// An empty PIT dump is an error, not a zero-byte blob.
func TestReadPitEmpty(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	_, err := sess.ReadPit()
	require.Error(t, err)
	require.Equal(t, ErrCodePitEmpty, CodeOf(err))
}

// ENDS twice: the first transitions to Ended, the second reports
// UnexpectedState without any further link traffic.
func TestEndTwice(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	require.NoError(t, sess.End())
	require.Equal(t, StateEnded, sess.State())
	require.True(t, f.closed)

	writesBefore := len(f.writeSizes)
	eventsBefore := len(f.events)

	err := sess.End()
	require.Error(t, err)
	require.Equal(t, ErrCodeUnexpectedState, CodeOf(err))
	require.Equal(t, writesBefore, len(f.writeSizes))
	require.Equal(t, eventsBefore, len(f.events))
}

func TestRebootSendsSinglePacket(t *testing.T) {
	f := newFakeTransport()
	sess := greeted(t, f, nil)

	require.NoError(t, sess.Reboot())
	require.Equal(t, StateEnded, sess.State())

	last := f.writes[len(f.writes)-1]
	require.True(t, isControlPacket(last, CmdReboot))
	cmd, size, seq, err := DecodePacket(last)
	require.NoError(t, err)
	require.Equal(t, CmdReboot, cmd)
	require.Zero(t, size)
	require.Zero(t, seq)
}

// Operations outside their permitted states are refused.
func TestOperationsRequireGreetedState(t *testing.T) {
	f := newFakeTransport()
	sess := NewSession(f, nil)

	_, err := sess.ReadPit()
	require.Equal(t, ErrCodeUnexpectedState, CodeOf(err))
	require.Equal(t, ErrCodeUnexpectedState, CodeOf(sess.WritePit([]byte{1})))
	require.Equal(t, ErrCodeUnexpectedState, CodeOf(sess.End()))
	require.Equal(t, ErrCodeUnexpectedState, CodeOf(sess.Reboot()))
}

// Fault from outside (device unplugged) hard-closes the link once.
func TestExternalFault(t *testing.T) {
	f := newFakeTransport()
	sink := &logSink{}
	sess := greeted(t, f, sink)

	sess.Fault("device removed")
	require.Equal(t, StateFaulted, sess.State())
	require.True(t, f.closed)
	require.Equal(t, 1, sink.count(observer.LevelError))

	closes := len(f.events)
	sess.Fault("device removed")
	require.Equal(t, closes, len(f.events))
}
