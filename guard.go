package rackfwupdate

import "time"

// DefaultStabilizationDelay is how long MonitoringGuard waits after resuming
// monitoring, giving the daemon time to settle on the bus again.
const DefaultStabilizationDelay = 5 * time.Second

// MonitoringGuard keeps the monitoring daemon (and optionally a PMM) off the
// bus while an update runs. Release must be called on every exit path,
// usually with defer.
type MonitoringGuard struct {
	transport  Transport
	clock      Clock
	settle     time.Duration
	deviceAddr uint8
	pmmAddr    uint8
	hasPMM     bool
	released   bool
}

// GuardOption configures a MonitoringGuard.
type GuardOption func(*MonitoringGuard)

// WithPMM also pauses the PMM at pmmAddr from polling the device at
// deviceAddr.
func WithPMM(deviceAddr, pmmAddr uint8) GuardOption {
	return func(g *MonitoringGuard) {
		g.deviceAddr = deviceAddr
		g.pmmAddr = pmmAddr
		g.hasPMM = true
	}
}

// WithStabilizationDelay overrides DefaultStabilizationDelay.
func WithStabilizationDelay(d time.Duration) GuardOption {
	return func(g *MonitoringGuard) {
		g.settle = d
	}
}

// WithGuardClock sets the clock used for the stabilization wait.
func WithGuardClock(c Clock) GuardOption {
	return func(g *MonitoringGuard) {
		g.clock = c
	}
}

// PauseMonitoring pauses the monitoring daemon behind t. If the daemon cannot
// be paused nothing has been acquired and the error is returned. PMM failures
// are only logged.
func PauseMonitoring(t Transport, opts ...GuardOption) (*MonitoringGuard, error) {
	g := &MonitoringGuard{transport: t, settle: DefaultStabilizationDelay}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = clockOrDefault(g.clock)

	pkgLog.Infof("pausing monitoring")
	if err := t.PauseMonitoring(); err != nil {
		return nil, err
	}
	if g.hasPMM {
		pkgLog.Infof("pausing PMM %02X monitoring of device %02X", g.pmmAddr, g.deviceAddr)
		err := t.WriteSingleRegister(g.pmmAddr, pmmMonitorPauseRegister, uint16(g.deviceAddr), DefaultWriteTimeout)
		if err != nil {
			pkgLog.Errorf("failed to pause PMM %02X monitoring: %v", g.pmmAddr, err)
		}
	}
	return g, nil
}

// Release resumes PMM monitoring, then the daemon, then waits for the bus to
// stabilize. Only the daemon resume error is returned. Calling Release more
// than once has no effect.
func (g *MonitoringGuard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true

	if g.hasPMM {
		pkgLog.Infof("resuming PMM %02X monitoring", g.pmmAddr)
		err := g.transport.WriteSingleRegister(g.pmmAddr, pmmMonitorPauseRegister, pmmMonitorResume, DefaultWriteTimeout)
		if err != nil {
			pkgLog.Errorf("failed to resume PMM %02X monitoring: %v", g.pmmAddr, err)
		}
	}

	pkgLog.Infof("resuming monitoring")
	err := g.transport.ResumeMonitoring()
	if err != nil {
		pkgLog.Errorf("failed to resume monitoring: %v", err)
	}
	g.clock.Sleep(g.settle)
	return err
}
