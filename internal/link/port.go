package link

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open byte link to a device. Read returns 0, nil when the read
// timeout expires without data.
type Port interface {
	io.ReadWriter
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Dialer lists and opens candidate ports.
type Dialer interface {
	Candidates() ([]string, error)
	Dial(name string) (Port, error)
}

// DefaultPrefixes are the device names the controller shows up under.
func DefaultPrefixes() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM"}
	case "darwin":
		return []string{"/dev/cu.usbmodem", "/dev/cu.usbserial"}
	default:
		return []string{"/dev/ttyACM", "/dev/ttyUSB"}
	}
}

// SerialDialer opens real serial ports with go.bug.st/serial.
type SerialDialer struct {
	Baud        int
	ReadTimeout time.Duration
	// Port skips enumeration when set.
	Port     string
	Prefixes []string
	Log      *slog.Logger
}

func (d *SerialDialer) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Candidates lists matching ports, USB devices first.
func (d *SerialDialer) Candidates() ([]string, error) {
	if d.Port != "" {
		return []string{d.Port}, nil
	}
	prefixes := d.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes()
	}
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		d.log().Debug("serial: detailed enumeration failed", "err", err)
		details = nil
	}
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := candidates(details, names, prefixes)
	d.log().Debug("serial: candidates", "count", len(out), "ports", strings.Join(out, ", "))
	return out, nil
}

// candidates orders USB ports before the rest and keeps only names with one
// of the prefixes.
func candidates(details []*enumerator.PortDetails, names []string, prefixes []string) []string {
	match := func(name string) bool {
		return slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(name, p) })
	}
	var usb, other []string
	for _, pd := range details {
		if !match(pd.Name) {
			continue
		}
		if pd.IsUSB {
			usb = append(usb, pd.Name)
		} else {
			other = append(other, pd.Name)
		}
	}
	for _, name := range names {
		if match(name) && !slices.Contains(usb, name) && !slices.Contains(other, name) {
			other = append(other, name)
		}
	}
	slices.Sort(usb)
	slices.Sort(other)
	return append(usb, other...)
}

// Dial opens name as 8N1 at the configured baud rate.
func (d *SerialDialer) Dial(name string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: d.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(d.ReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		d.log().Debug("serial: input reset failed", "device", name, "err", err)
	}
	d.log().Info("serial: port opened", "device", name, "baud", d.Baud)
	return p, nil
}
