package loke

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"odinflash/internal/link"
	"odinflash/internal/observer"
)

// ackProbeTimeout keeps tests fast: the fake never sleeps, so the value
// only needs to be non-zero.
const ackProbeTimeout = 50 * time.Millisecond

// fakeTransport is a scripted stand-in for the serial backend. Reads pop
// from inbox; writes are recorded and routed through onWrite, which plays
// the device side by pushing replies or injecting failures.
type fakeTransport struct {
	inbox bytes.Buffer

	// onWrite sees each write before it is recorded. Returning an error
	// makes the write fail without being recorded.
	onWrite func(f *fakeTransport, p []byte) error

	capture    bool
	writes     [][]byte
	writeSizes []int
	events     []string

	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{capture: true}
}

func (f *fakeTransport) Write(p []byte) error {
	if f.onWrite != nil {
		if err := f.onWrite(f, p); err != nil {
			f.events = append(f.events, "write-error")
			return err
		}
	}
	f.writeSizes = append(f.writeSizes, len(p))
	if f.capture {
		f.writes = append(f.writes, append([]byte(nil), p...))
	}
	f.events = append(f.events, "write")
	return nil
}

func (f *fakeTransport) ReadExact(p []byte, timeout time.Duration) error {
	if f.inbox.Len() < len(p) {
		return link.NewError(link.KindTimeout, "read", nil)
	}
	_, err := f.inbox.Read(p)
	return err
}

func (f *fakeTransport) ReadAvailable(p []byte) (int, error) {
	if f.inbox.Len() == 0 {
		return 0, nil
	}
	return f.inbox.Read(p)
}

func (f *fakeTransport) Purge(tx, rx, abort bool) error {
	f.events = append(f.events, fmt.Sprintf("purge(%v,%v,%v)", tx, rx, abort))
	if rx {
		f.inbox.Reset()
	}
	return nil
}

func (f *fakeTransport) ClearErrors() error {
	f.events = append(f.events, "clear-errors")
	return nil
}

func (f *fakeTransport) SetTimeouts(read, write time.Duration) error {
	f.readTimeout = read
	f.writeTimeout = write
	f.events = append(f.events, fmt.Sprintf("timeouts(%v,%v)", read, write))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	f.events = append(f.events, "close")
	return nil
}

func (f *fakeTransport) Closed() bool { return f.closed }

// lastEvent returns the most recent recorded event name, or "".
func (f *fakeTransport) lastEvent() string {
	if len(f.events) == 0 {
		return ""
	}
	return f.events[len(f.events)-1]
}

// logSink collects observer output for assertions.
type logSink struct {
	mu       sync.Mutex
	lines    []string
	levels   []observer.Level
	progress []int64
}

func (s *logSink) observer() *observer.Observer {
	return &observer.Observer{
		OnLog: func(level observer.Level, msg string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.levels = append(s.levels, level)
			s.lines = append(s.lines, msg)
		},
		OnProgress: func(sent, total int64) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.progress = append(s.progress, sent)
		},
	}
}

func (s *logSink) count(level observer.Level) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.levels {
		if l == level {
			n++
		}
	}
	return n
}

func (s *logSink) progressCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.progress)
}

// isControlPacket reports whether a write looks like the given command's
// control packet.
func isControlPacket(p []byte, cmd Command) bool {
	return len(p) == PacketSize && Command(p[0:4]) == cmd
}
