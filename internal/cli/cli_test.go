package cli

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/amrbekhit/rackfwupdate"
)

// stubTransport answers register reads from a map and records writes.
type stubTransport struct {
	regs   map[uint16]uint16
	writes []string
	calls  []string
}

func (s *stubTransport) ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error) {
	out := make([]uint16, count)
	for i := range out {
		out[i] = s.regs[regAddr+uint16(i)]
	}
	return out, nil
}

func (s *stubTransport) WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error {
	s.calls = append(s.calls, "write")
	s.writes = append(s.writes, fmt.Sprintf("%02X:%04X=%04X", deviceAddr, regAddr, value))
	return nil
}

func (s *stubTransport) WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error {
	return nil
}

func (s *stubTransport) SendRawCommand(cmd rackfwupdate.RawCommand) ([]byte, error) {
	return nil, nil
}

func (s *stubTransport) PauseMonitoring() error {
	s.calls = append(s.calls, "pause")
	return nil
}

func (s *stubTransport) ResumeMonitoring() error {
	s.calls = append(s.calls, "resume")
	return nil
}

func (s *stubTransport) ListDevices() ([]rackfwupdate.DeviceInfo, error) {
	return []rackfwupdate.DeviceInfo{{Address: 0xB0, DeviceType: "ORV3_PSU", Baudrate: 19200, Mode: "active"}}, nil
}

// stubUpdater is a FirmwareUpdater that records the file it was given.
type stubUpdater struct {
	t        *stubTransport
	firmware string
	err      error
}

func (u *stubUpdater) UpdateFirmware(path string) error {
	u.firmware = path
	u.t.calls = append(u.t.calls, "update")
	return u.err
}

func (u *stubUpdater) ReadVersion() (string, error) { return "1.0 ", nil }

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want uint8
		ok   bool
	}{
		{"0xB0", 0xB0, true},
		{"176", 176, true},
		{"", 0, false},
		{"0x1FF", 0, false},
		{"psu", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseAddr(%q) = %02X, %v", tt.in, got, err)
		}
	}
}

func TestRegisterFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs, CommonCommands().Names())
	if err := fs.Parse([]string{"--addr", "0xB1", "--firmware", "fw.bin", "--pmm", "-v", "--cmd", "readregs", "0x302", "1"}); err != nil {
		t.Fatal(err)
	}
	if *f.Addr != "0xB1" || *f.Firmware != "fw.bin" || !*f.PMM || !*f.Verbose || *f.Cmd != "readregs" {
		t.Errorf("flags not parsed: %+v", f)
	}
	if got := fs.Args(); len(got) != 2 || got[0] != "0x302" {
		t.Errorf("args = %v", got)
	}
}

func TestUpdatePausesMonitoring(t *testing.T) {
	tr := &stubTransport{}
	env := &Env{Config: rackfwupdate.DefaultConfig(), Transport: tr}
	env.Config.StabilizationDelay = 0
	u := &stubUpdater{t: tr}

	if err := Update(env, 0xB0, true, u, "fw.bin"); err != nil {
		t.Fatal(err)
	}
	if u.firmware != "fw.bin" {
		t.Errorf("firmware = %q", u.firmware)
	}
	want := []string{"pause", "write", "update", "write", "resume"}
	if strings.Join(tr.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", tr.calls, want)
	}
	if tr.writes[0] != "10:0090=00B0" || tr.writes[1] != "10:0090=0000" {
		t.Errorf("PMM writes = %v", tr.writes)
	}
}

func TestUpdateErrors(t *testing.T) {
	tr := &stubTransport{}
	env := &Env{Config: rackfwupdate.DefaultConfig(), Transport: tr}
	env.Config.StabilizationDelay = 0

	if err := Update(env, 0xB0, false, &stubUpdater{t: tr}, ""); err == nil {
		t.Errorf("missing firmware accepted")
	}
	if err := Update(env, 0x20, true, &stubUpdater{t: tr}, "fw.bin"); err == nil {
		t.Errorf("PMM accepted for an unsupervised device")
	}

	tr.calls = nil
	updateErr := errors.New("flash failed")
	failing := &stubUpdater{t: tr, err: updateErr}
	if err := Update(env, 0xB0, false, failing, "fw.bin"); err != updateErr {
		t.Errorf("error = %v", err)
	}
	if tr.calls[len(tr.calls)-1] != "resume" {
		t.Errorf("monitoring not resumed after a failed update: %v", tr.calls)
	}
}

func TestListDevices(t *testing.T) {
	var buf bytes.Buffer
	if err := ListDevices(&buf, &stubTransport{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0xB0") || !strings.Contains(buf.String(), "ORV3_PSU") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestCommands(t *testing.T) {
	tr := &stubTransport{regs: map[uint16]uint16{0x0302: 0x0004}}
	var buf bytes.Buffer
	target := &Target{Out: &buf, Transport: tr, Addr: 0xB0, Updater: &stubUpdater{t: tr}}
	cmds := CommonCommands()

	if err := cmds.Run("readregs", target, []string{"0x302", "1"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "0x0302: 0x0004\n" {
		t.Errorf("readregs output = %q", buf.String())
	}
	if err := cmds.Run("writereg", target, []string{"0x300", "0xA5A5"}); err != nil {
		t.Fatal(err)
	}
	if tr.writes[0] != "B0:0300=A5A5" {
		t.Errorf("writes = %v", tr.writes)
	}
	if err := cmds.Run("writereg", target, []string{"0x300"}); err == nil {
		t.Errorf("missing value accepted")
	}
	if err := cmds.Run("bogus", target, nil); err == nil {
		t.Errorf("unknown command accepted")
	}
}
