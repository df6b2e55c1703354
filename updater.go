// Package rackfwupdate updates the firmware of rack power devices (PSUs and
// battery backup units) over the rack Modbus bus.
//
// The package contains two updaters that implement FirmwareUpdater:
// MEIUpdater speaks the authenticated Modbus Encapsulated Interface protocol
// used by one PSU family, and MailboxUpdater speaks the register based
// mailbox protocol used by several vendors, parameterised by VendorParams.
// Both talk to the device through a Transport, which is normally the rackmon
// daemon (see OpenTransport). MonitoringGuard keeps the daemon's own polling
// off the bus while an update runs.
//
// Command line tools that wrap the updaters live in cmd/meiupdate and
// cmd/mailboxupdate.
package rackfwupdate

import "time"

// FirmwareUpdater is the surface shared by the protocol engines.
type FirmwareUpdater interface {
	// UpdateFirmware loads the firmware file and runs the full update.
	UpdateFirmware(path string) error
	// ReadVersion returns the running firmware version.
	ReadVersion() (string, error)
}

// Progress reports transfer progress.
type Progress struct {
	Phase   string
	Current int
	Total   int
	Percent float64
}

// ProgressFunc receives progress reports. It should return quickly.
type ProgressFunc func(Progress)

// Timeouts are the per-call transport timeouts used by the updaters.
type Timeouts struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
	Raw   time.Duration `yaml:"raw"`
}

// DefaultTimeouts returns the default per-call timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{Read: DefaultReadTimeout, Write: DefaultWriteTimeout, Raw: DefaultRawTimeout}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Read <= 0 {
		t.Read = d.Read
	}
	if t.Write <= 0 {
		t.Write = d.Write
	}
	if t.Raw <= 0 {
		t.Raw = d.Raw
	}
	return t
}

// Options holds settings shared by both updaters. The zero value is usable.
type Options struct {
	Progress ProgressFunc
	Clock    Clock
	Timeouts Timeouts
	// UniqueAddress is passed along with raw commands, see RawCommand.
	UniqueAddress *uint32
}

func (o Options) withDefaults() Options {
	o.Clock = clockOrDefault(o.Clock)
	o.Timeouts = o.Timeouts.withDefaults()
	return o
}

func (o Options) report(phase string, current, total int) {
	if o.Progress == nil || total == 0 {
		return
	}
	o.Progress(Progress{
		Phase:   phase,
		Current: current,
		Total:   total,
		Percent: float64(current) * 100 / float64(total),
	})
}

// decodeASCII unpacks two characters per register, high byte first, keeping
// bytes up to the first NUL.
func decodeASCII(regs []uint16) string {
	b := wordsToBytes(regs)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
