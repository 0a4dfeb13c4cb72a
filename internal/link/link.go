// internal/link/link.go
// Serial link to a Samsung device in Download Mode. The link owns its OS
// handle exclusively: one logical actor drives it at a time and closing it
// releases kernel-side pending I/O.
package link

import (
	"errors"
	"time"

	"go.bug.st/serial"
)

const (
	// Line settings for the Download Mode CDC endpoint.
	Baud = 115200

	// SettleDelay is the hardware settling wait after opening the port.
	// No protocol byte may be sent before it elapses; this is part of the
	// device contract, not a tuning knob.
	SettleDelay = 500 * time.Millisecond

	// DefaultReadTimeout and DefaultWriteTimeout apply outside large
	// transfers.
	DefaultReadTimeout  = 5000 * time.Millisecond
	DefaultWriteTimeout = 5000 * time.Millisecond

	// LargeReadTimeout applies while streaming images over 100 MiB.
	LargeReadTimeout = 10000 * time.Millisecond

	// drainPoll paces the discard loop used by Purge and ClearErrors.
	drainPoll = 10 * time.Millisecond
)

// Transport is the backend the protocol engine drives. The real serial
// implementation is Link; tests substitute a scripted double.
type Transport interface {
	Write(p []byte) error
	ReadExact(p []byte, timeout time.Duration) error
	ReadAvailable(p []byte) (int, error)
	Purge(tx, rx, abort bool) error
	ClearErrors() error
	SetTimeouts(read, write time.Duration) error
	Close() error
	Closed() bool
}

// Link wraps a serial port with the fixed Odin line settings.
type Link struct {
	port         serial.Port
	name         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

// Open acquires the named port at 115200 8N1 with DTR and RTS asserted,
// then waits out the settling window before returning.
func Open(name string) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: true,
			RTS: true,
		},
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, NewError(openErrorKind(err), "open "+name, err)
	}

	l := &Link{
		port:         port,
		name:         name,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, NewError(KindFatal, "set read timeout", err)
	}

	time.Sleep(SettleDelay)
	return l, nil
}

// Name returns the OS port identifier the link was opened on.
func (l *Link) Name() string { return l.name }

// Write blocks until every byte is handed to the driver.
func (l *Link) Write(p []byte) error {
	n, err := l.port.Write(p)
	if err != nil {
		return NewError(ioErrorKind(err), "write", err)
	}
	if n != len(p) {
		return NewError(KindStalled, "write", errors.New("short write"))
	}
	return nil
}

// ReadExact fills p or fails with a Timeout error once the deadline
// elapses.
func (l *Link) ReadExact(p []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	defer l.port.SetReadTimeout(l.readTimeout)
	for got < len(p) {
		remain := time.Until(deadline)
		if remain <= 0 {
			return NewError(KindTimeout, "read", nil)
		}
		if err := l.port.SetReadTimeout(remain); err != nil {
			return NewError(KindFatal, "set read timeout", err)
		}
		n, err := l.port.Read(p[got:])
		if err != nil {
			return NewError(ioErrorKind(err), "read", err)
		}
		if n == 0 {
			return NewError(KindTimeout, "read", nil)
		}
		got += n
	}
	return nil
}

// ReadAvailable copies whatever is currently buffered without blocking.
func (l *Link) ReadAvailable(p []byte) (int, error) {
	if err := l.port.SetReadTimeout(0); err != nil {
		return 0, NewError(KindFatal, "set read timeout", err)
	}
	defer l.port.SetReadTimeout(l.readTimeout)
	n, err := l.port.Read(p)
	if err != nil {
		return 0, NewError(ioErrorKind(err), "read", err)
	}
	return n, nil
}

// Purge discards the requested direction buffers. With abort it also
// drains straggling input so no stalled read survives the reset; this is
// the PurgeComm-composite equivalent used to unwedge pending I/O.
func (l *Link) Purge(tx, rx, abort bool) error {
	if tx {
		if err := l.port.ResetOutputBuffer(); err != nil {
			return NewError(KindFatal, "purge tx", err)
		}
	}
	if rx {
		if err := l.port.ResetInputBuffer(); err != nil {
			return NewError(KindFatal, "purge rx", err)
		}
	}
	if abort {
		l.drainInput()
	}
	return nil
}

// ClearErrors retrieves and discards the hardware line state, then drains
// input. ClearCommError equivalent for the purge fallback path.
func (l *Link) ClearErrors() error {
	if _, err := l.port.GetModemStatusBits(); err != nil {
		return NewError(KindFatal, "clear errors", err)
	}
	l.drainInput()
	return nil
}

func (l *Link) drainInput() {
	buf := make([]byte, 256)
	l.port.SetReadTimeout(0)
	defer l.port.SetReadTimeout(l.readTimeout)
	for {
		n, err := l.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
		time.Sleep(drainPoll)
	}
}

// SetTimeouts adjusts the deadlines for subsequent traffic. A write value
// of zero means unbounded; writes on this backend block until the driver
// accepts them, so the value is kept only so the caller can restore the
// defaults after a large transfer.
func (l *Link) SetTimeouts(read, write time.Duration) error {
	l.readTimeout = read
	l.writeTimeout = write
	if err := l.port.SetReadTimeout(read); err != nil {
		return NewError(KindFatal, "set read timeout", err)
	}
	return nil
}

// Close releases the port handle. Safe to call twice.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.port.Close(); err != nil {
		return NewError(KindFatal, "close", err)
	}
	return nil
}

// Closed reports whether the handle has been released.
func (l *Link) Closed() bool { return l.closed }

func openErrorKind(err error) int {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return KindNotFound
		case serial.PermissionDenied, serial.PortBusy:
			return KindAccessDenied
		}
	}
	return KindFatal
}

func ioErrorKind(err error) int {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortClosed:
			return KindFatal
		}
		// Driver-level hiccups are worth one recovery attempt.
		return KindStalled
	}
	return KindStalled
}
