// Package cli holds the flag handling and update flow shared by the
// meiupdate and mailboxupdate tools.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amrbekhit/rackfwupdate"
	log "github.com/sirupsen/logrus"
)

// AppVersion is reported by --version.
const AppVersion = "1.0.0"

// Flags are the options common to both tools.
type Flags struct {
	Addr        *string
	Firmware    *string
	Transport   *string
	Config      *string
	PMM         *bool
	Verbose     *bool
	ListDevices *bool
	Version     *bool
	Cmd         *string
}

// RegisterFlags adds the common flags to fs. commands lists the names
// accepted by --cmd.
func RegisterFlags(fs *flag.FlagSet, commands []string) *Flags {
	return &Flags{
		Addr:        fs.String("addr", "", "Modbus address of the device, e.g. 0xB0."),
		Firmware:    fs.String("firmware", "", "Firmware file to program."),
		Transport:   fs.String("transport", "", "Transport URL, default "+rackfwupdate.DefaultTransportURL+"."),
		Config:      fs.String("config", "", "YAML config file."),
		PMM:         fs.Bool("pmm", false, "Also pause the power module manager monitoring of the device."),
		Verbose:     fs.Bool("v", false, "Enable verbose logging."),
		ListDevices: fs.Bool("list-devices", false, "List the devices known to the monitoring daemon and exit."),
		Version:     fs.Bool("version", false, "Prints the program version."),
		Cmd: fs.String("cmd", "", fmt.Sprintf("Run a single diagnostic command instead of an update, one of: %v\n"+
			"Register commands have the following usage: cmdname reg [count|value], e.g. readregs 0x302 1",
			commands)),
	}
}

// Env is the state set up from the common flags.
type Env struct {
	Config    rackfwupdate.Config
	Transport rackfwupdate.Transport
}

// Setup configures logging, loads the config file and opens the transport.
func Setup(f *Flags) (*Env, error) {
	if *f.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	rackfwupdate.SetLogger(log.StandardLogger())

	cfg := rackfwupdate.DefaultConfig()
	if *f.Config != "" {
		var err error
		if cfg, err = rackfwupdate.LoadConfig(*f.Config); err != nil {
			return nil, err
		}
	}
	if *f.Transport != "" {
		cfg.Transport = *f.Transport
	}

	t, err := rackfwupdate.OpenTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return &Env{Config: cfg, Transport: t}, nil
}

// Close releases the transport if it holds a connection.
func (e *Env) Close() {
	if c, ok := e.Transport.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnf("failed to close transport: %v", err)
		}
	}
}

// Options returns updater options using the configured timeouts and a
// progress logger.
func (e *Env) Options() rackfwupdate.Options {
	return rackfwupdate.Options{
		Timeouts: e.Config.Timeouts,
		Progress: LogProgress(),
	}
}

// ParseAddr parses a device address in decimal or 0x-prefixed hex.
func ParseAddr(s string) (uint8, error) {
	if s == "" {
		return 0, fmt.Errorf("must specify device address")
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return uint8(v), nil
}

// ListDevices prints the devices known to the monitoring daemon.
func ListDevices(w io.Writer, t rackfwupdate.Transport) error {
	lister, ok := t.(rackfwupdate.DeviceLister)
	if !ok {
		return fmt.Errorf("transport cannot list devices")
	}
	devices, err := lister.ListDevices()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-6s %-12s %-8s %s\n", "ADDR", "TYPE", "BAUD", "MODE")
	for _, d := range devices {
		fmt.Fprintf(w, "0x%02X   %-12s %-8d %s\n", d.Address, d.DeviceType, d.Baudrate, d.Mode)
	}
	return nil
}

// LogProgress returns a ProgressFunc that logs every tenth percent.
func LogProgress() rackfwupdate.ProgressFunc {
	last := -1
	return func(p rackfwupdate.Progress) {
		step := int(p.Percent) / 10
		if step == last && p.Current != p.Total {
			return
		}
		last = step
		log.Infof("%s: %d/%d (%.0f%%)", p.Phase, p.Current, p.Total, p.Percent)
	}
}

// Update pauses monitoring around an update of the device at addr and logs
// the version before and after.
func Update(env *Env, addr uint8, withPMM bool, u rackfwupdate.FirmwareUpdater, firmware string) (err error) {
	if firmware == "" {
		return fmt.Errorf("must specify firmware file")
	}

	opts := []rackfwupdate.GuardOption{rackfwupdate.WithStabilizationDelay(env.Config.StabilizationDelay)}
	if withPMM {
		pmm, ok := rackfwupdate.PMMAddress(addr)
		if !ok {
			return fmt.Errorf("no PMM supervises device 0x%02X", addr)
		}
		opts = append(opts, rackfwupdate.WithPMM(addr, pmm))
	}

	guard, err := rackfwupdate.PauseMonitoring(env.Transport, opts...)
	if err != nil {
		return fmt.Errorf("failed to pause monitoring: %w", err)
	}
	defer func() {
		if rerr := guard.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("failed to resume monitoring: %w", rerr)
		}
	}()

	if v, verr := u.ReadVersion(); verr != nil {
		log.Warnf("could not read version before update: %v", verr)
	} else {
		log.Infof("current version: %s", strings.TrimSpace(v))
	}

	log.Infof("updating device 0x%02X with %s", addr, firmware)
	if err := u.UpdateFirmware(firmware); err != nil {
		return err
	}

	v, err := u.ReadVersion()
	if err != nil {
		return fmt.Errorf("update finished but version could not be read: %w", err)
	}
	log.Infof("update complete, new version: %s", strings.TrimSpace(v))
	return nil
}
