package rackfwupdate

import (
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// The Transport interface carries register and raw commands to a device on the
// rack Modbus bus. Implementations block for at most the given timeout and
// report failures as *Error with KindTimeout, KindChecksum,
// KindInvalidArguments or KindIO.
type Transport interface {
	ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error)
	WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error
	WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error
	SendRawCommand(cmd RawCommand) ([]byte, error)
	// PauseMonitoring and ResumeMonitoring stop and restart the background
	// poller that shares the bus.
	PauseMonitoring() error
	ResumeMonitoring() error
}

// RawCommand is a raw Modbus request.
type RawCommand struct {
	// Frame is the device address followed by the PDU, without CRC.
	Frame []byte
	// ResponseLength is the expected response length including the CRC.
	ResponseLength int
	Timeout        time.Duration
	// UniqueAddress optionally selects the device when several share an
	// address on different ports.
	UniqueAddress *uint32
}

// DeviceInfo describes a device known to the monitoring daemon.
type DeviceInfo struct {
	Address    uint8  `json:"devAddress"`
	DeviceType string `json:"deviceType"`
	Baudrate   int    `json:"baudrate"`
	Mode       string `json:"mode"`
}

// DeviceLister is implemented by transports that can enumerate the devices
// the monitoring daemon already knows about.
type DeviceLister interface {
	ListDevices() ([]DeviceInfo, error)
}

// Default per-call timeouts.
const (
	DefaultReadTimeout  = 2 * time.Second
	DefaultWriteTimeout = 2 * time.Second
	DefaultRawTimeout   = 2 * time.Second
)

// DefaultTransportURL points at the rackmond daemon socket.
const DefaultTransportURL = "rackmond:///var/run/rackmond.sock"

// OpenTransport creates a transport from a URL:
//
//	rackmond:///var/run/rackmond.sock
//	serial:///dev/ttyUSB0?baud=19200&parity=E
//	tcp://10.0.0.1:502
func OpenTransport(rawurl string) (Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, withKind(KindConfiguration, "open transport", err)
	}

	switch u.Scheme {
	case "rackmond", "unix":
		return NewRackmondTransport(u.Path), nil

	case "serial":
		cfg := SerialConfig{Port: u.Path, Baud: 19200, Parity: "E"}
		q := u.Query()
		if v := q.Get("baud"); v != "" {
			baud, err := strconv.Atoi(v)
			if err != nil {
				return nil, withKind(KindConfiguration, "open transport", errors.Wrap(err, "invalid baud"))
			}
			cfg.Baud = baud
		}
		if v := q.Get("parity"); v != "" {
			cfg.Parity = v
		}
		return NewSerialTransport(cfg)

	case "tcp":
		return NewGatewayTransport(u.Host)

	default:
		return nil, newError(KindConfiguration, "open transport", "unsupported transport %q", u.Scheme)
	}
}
