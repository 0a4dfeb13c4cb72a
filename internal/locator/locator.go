// internal/locator/locator.go
// Device discovery for Samsung devices in Download Mode. Strategies run in
// order, any failure falling through to the next: a USB registry lookup by
// VID and PID, the same lookup with the PID filter dropped, and an active
// LOKE probe of every serial port the OS lists. The active probe runs only
// when Locator.EnableProbe is set; otherwise discovery ends after the two
// registry lookups.
package locator

import (
	"strings"
	"time"

	"github.com/google/gousb"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"odinflash/internal/link"
	"odinflash/internal/loke"
	"odinflash/internal/observer"
)

const (
	// SamsungVID is the only vendor this flasher will claim.
	SamsungVID = "04E8"

	// Download Mode product ids. Some devices expose additional PIDs,
	// which is what the VID-only fallback is for.
	PIDOdin    = "685D"
	PIDOdinAlt = "6860"

	// ProbeTimeout bounds the reply wait during an active probe.
	ProbeTimeout = 1500 * time.Millisecond
)

// PortDescriptor identifies a serial port known to belong to a device in
// Download Mode, plus a display name for logs.
type PortDescriptor struct {
	Port    string
	Display string
}

// Locator enumerates candidate ports. The strategy hooks are swappable so
// tests can script enumerations without hardware.
type Locator struct {
	obs *observer.Observer

	// EnableProbe turns on the active-probe fallback. Probing opens and
	// writes to every listed serial port, which can upset unrelated
	// devices, so it is an explicit opt-in.
	EnableProbe bool

	detailedPorts func() ([]*enumerator.PortDetails, error)
	listPorts     func() ([]string, error)
	probePort     func(name string) (bool, error)
}

// New returns a locator backed by the OS port enumerator.
func New(obs *observer.Observer) *Locator {
	return &Locator{
		obs:           obs,
		detailedPorts: enumerator.GetDetailedPortsList,
		listPorts:     serial.GetPortsList,
		probePort:     probe,
	}
}

// Find returns the first eligible port, or a NotFound transport error if
// no device is present. NotFound is not a failure: the caller decides
// whether to retry.
func (l *Locator) Find() (*PortDescriptor, error) {
	if d := l.registryLookup(true); d != nil {
		return d, nil
	}
	if d := l.registryLookup(false); d != nil {
		return d, nil
	}
	if l.EnableProbe {
		if d := l.activeProbe(); d != nil {
			return d, nil
		}
	}
	return nil, link.NewError(link.KindNotFound, "locate", nil)
}

// registryLookup scans the enumerated USB serial ports for the Samsung
// vendor id, optionally requiring a Download Mode product id as well.
func (l *Locator) registryLookup(matchPID bool) *PortDescriptor {
	ports, err := l.detailedPorts()
	if err != nil {
		l.obs.Logf(observer.LevelDebug, "port enumeration failed: %v", err)
		return nil
	}
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, SamsungVID) {
			continue
		}
		if matchPID && !strings.EqualFold(p.PID, PIDOdin) && !strings.EqualFold(p.PID, PIDOdinAlt) {
			continue
		}
		display := p.Product
		if display == "" {
			display = p.Name
		}
		l.obs.Logf(observer.LevelDebug, "matched %s (VID %s PID %s)", p.Name, p.VID, p.PID)
		return &PortDescriptor{Port: p.Name, Display: display}
	}
	return nil
}

// activeProbe opens every listed port with the standard line settings and
// sends one ODIN packet. A LOKE reply or a bare ACK within the probe
// timeout marks the port. Ports that fail to open are skipped, not errors.
func (l *Locator) activeProbe() *PortDescriptor {
	names, err := l.listPorts()
	if err != nil {
		l.obs.Logf(observer.LevelDebug, "port listing failed: %v", err)
		return nil
	}
	for _, name := range names {
		ok, err := l.probePort(name)
		if err != nil {
			l.obs.Logf(observer.LevelDebug, "probe %s: %v", name, err)
			continue
		}
		if ok {
			l.obs.Logf(observer.LevelInfo, "probe found device on %s", name)
			return &PortDescriptor{Port: name, Display: name}
		}
	}
	return nil
}

// probe opens the port, purges, writes one handshake packet and accepts a
// LOKE or ACK reply.
func probe(name string) (bool, error) {
	lk, err := link.Open(name)
	if err != nil {
		return false, err
	}
	defer lk.Close()

	if err := lk.Purge(true, true, true); err != nil {
		return false, err
	}
	if err := lk.Write(loke.EncodePacket(loke.CmdHandshake, 0, 0)); err != nil {
		return false, err
	}

	var first [1]byte
	if err := lk.ReadExact(first[:], ProbeTimeout); err != nil {
		if link.IsTimeout(err) {
			return false, nil
		}
		return false, err
	}
	if first[0] == loke.Ack {
		return true, nil
	}
	if first[0] == 'L' {
		var rest [3]byte
		if err := lk.ReadExact(rest[:], ProbeTimeout); err != nil {
			return false, nil
		}
		return string(rest[:]) == "OKE", nil
	}
	return false, nil
}

// BusPresent reports whether a Download Mode device is attached to the USB
// bus at all, whether or not a CDC port is bound yet. Useful for telling
// "no device" apart from "device present, driver still settling".
func BusPresent() bool {
	ctx := gousb.NewContext()
	defer ctx.Close()

	// OpenDevices reports an error if any device fails to open; matches
	// that did open are still returned, which is all presence needs.
	devs, _ := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != gousb.ID(0x04E8) {
			return false
		}
		return desc.Product == gousb.ID(0x685D) || desc.Product == gousb.ID(0x6860)
	})
	for _, d := range devs {
		d.Close()
	}
	return len(devs) > 0
}
