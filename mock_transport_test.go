package rackfwupdate

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type registerWrite struct {
	addr   uint8
	reg    uint16
	values []uint16
}

// mockTransport records every call and lets tests script the replies.
type mockTransport struct {
	mu sync.Mutex

	onRead  func(reg, count uint16) ([]uint16, error)
	onWrite func(reg uint16, values []uint16) error
	onRaw   func(frame []byte) ([]byte, error)

	pauseErr  error
	resumeErr error

	reads  []uint16
	writes []registerWrite
	raws   [][]byte
	// calls is the order of pause, resume and write calls.
	calls []string
}

func (m *mockTransport) ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error) {
	m.mu.Lock()
	m.reads = append(m.reads, regAddr)
	m.mu.Unlock()
	if m.onRead == nil {
		return make([]uint16, count), nil
	}
	return m.onRead(regAddr, count)
}

func (m *mockTransport) write(deviceAddr uint8, regAddr uint16, values []uint16) error {
	m.mu.Lock()
	m.writes = append(m.writes, registerWrite{addr: deviceAddr, reg: regAddr, values: append([]uint16(nil), values...)})
	m.calls = append(m.calls, fmt.Sprintf("write %02X:%04X=%04X", deviceAddr, regAddr, values[0]))
	m.mu.Unlock()
	if m.onWrite == nil {
		return nil
	}
	return m.onWrite(regAddr, values)
}

func (m *mockTransport) WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error {
	return m.write(deviceAddr, regAddr, []uint16{value})
}

func (m *mockTransport) WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error {
	return m.write(deviceAddr, regAddr, values)
}

func (m *mockTransport) SendRawCommand(cmd RawCommand) ([]byte, error) {
	m.mu.Lock()
	m.raws = append(m.raws, append([]byte(nil), cmd.Frame...))
	m.mu.Unlock()
	if m.onRaw == nil {
		return nil, newError(KindTimeout, "raw command", "no reply")
	}
	return m.onRaw(cmd.Frame)
}

func (m *mockTransport) PauseMonitoring() error {
	m.calls = append(m.calls, "pause")
	return m.pauseErr
}

func (m *mockTransport) ResumeMonitoring() error {
	m.calls = append(m.calls, "resume")
	return m.resumeErr
}

// writesTo returns the values written to reg, in order.
func (m *mockTransport) writesTo(reg uint16) [][]uint16 {
	var out [][]uint16
	for _, w := range m.writes {
		if w.reg == reg {
			out = append(out, w.values)
		}
	}
	return out
}

// fakeClock advances only when slept on.
type fakeClock struct {
	now   time.Time
	slept time.Duration
	naps  int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.slept += d
	c.naps++
}

// recordingLogger collects formatted log lines.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Debugf(format string, args ...interface{}) { l.add("debug", format, args...) }
func (l *recordingLogger) Infof(format string, args ...interface{})  { l.add("info", format, args...) }
func (l *recordingLogger) Warnf(format string, args ...interface{})  { l.add("warn", format, args...) }
func (l *recordingLogger) Errorf(format string, args ...interface{}) { l.add("error", format, args...) }

func (l *recordingLogger) count(level, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, level+":") && strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// useLogger installs l for the duration of a test.
func useLogger(l logger) func() {
	old := pkgLog
	SetLogger(l)
	return func() { pkgLog = old }
}
