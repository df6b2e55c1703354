package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/amrbekhit/rackfwupdate"
)

// Target is the device a diagnostic command runs against.
type Target struct {
	Out       io.Writer
	Transport rackfwupdate.Transport
	Addr      uint8
	Updater   rackfwupdate.FirmwareUpdater
	Timeouts  rackfwupdate.Timeouts
}

// Command is a diagnostic command run with --cmd.
type Command func(t *Target, args []string) error

// Commands maps command names to their implementation.
type Commands map[string]Command

// CommonCommands returns the commands offered by both tools.
func CommonCommands() Commands {
	return Commands{
		"version":  processVersion,
		"readregs": processReadRegisters,
		"writereg": processWriteRegister,
	}
}

// Names returns the sorted command names.
func (c Commands) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Run runs the named command.
func (c Commands) Run(name string, t *Target, args []string) error {
	f, ok := c[name]
	if !ok {
		return fmt.Errorf("invalid command %v", name)
	}
	return f(t, args)
}

func processVersion(t *Target, args []string) error {
	v, err := t.Updater.ReadVersion()
	if err != nil {
		return fmt.Errorf("failed to read version: %v", err)
	}
	fmt.Fprintln(t.Out, v)
	return nil
}

func getRegAndValue(args []string, what string) (uint16, uint16, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected: reg %s", what)
	}
	reg, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register: %v", err)
	}
	v, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s: %v", what, err)
	}
	return uint16(reg), uint16(v), nil
}

func processReadRegisters(t *Target, args []string) error {
	reg, count, err := getRegAndValue(args, "count")
	if err != nil {
		return err
	}
	regs, err := t.Transport.ReadHoldingRegisters(t.Addr, reg, count, t.Timeouts.Read)
	if err != nil {
		return fmt.Errorf("failed to read registers: %v", err)
	}
	for i, v := range regs {
		fmt.Fprintf(t.Out, "0x%04X: 0x%04X\n", int(reg)+i, v)
	}
	return nil
}

func processWriteRegister(t *Target, args []string) error {
	reg, value, err := getRegAndValue(args, "value")
	if err != nil {
		return err
	}
	if err := t.Transport.WriteSingleRegister(t.Addr, reg, value, t.Timeouts.Write); err != nil {
		return fmt.Errorf("failed to write register: %v", err)
	}
	return nil
}
