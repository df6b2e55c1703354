package rackfwupdate

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// SerialConfig configures a directly attached RS-485 port.
type SerialConfig struct {
	Port   string
	Baud   int
	Parity string
}

// serialPort is the part of *serial.Port used by the transport.
type serialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// pollInterval is the port read timeout used while waiting for a response.
const pollInterval = 20 * time.Millisecond

// serialTransport owns the bus directly, so there is no daemon to pause.
type serialTransport struct {
	mu   sync.Mutex
	port serialPort
}

// NewSerialTransport opens a serial port for Modbus RTU.
func NewSerialTransport(cfg SerialConfig) (Transport, error) {
	if cfg.Port == "" {
		return nil, newError(KindConfiguration, "open serial", "no port given")
	}
	portConfig := serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Size:        8,
		StopBits:    serial.Stop1,
		Parity:      serial.ParityNone,
		ReadTimeout: pollInterval,
	}
	if cfg.Parity != "" {
		portConfig.Parity = serial.Parity(cfg.Parity[0])
	}

	port, err := serial.OpenPort(&portConfig)
	if err != nil {
		return nil, withKind(KindIO, "open serial", errors.Wrap(err, cfg.Port))
	}
	// USB adapters need a moment before a flush reliably drops stale input.
	time.Sleep(100 * time.Millisecond)
	port.Flush()
	return newSerialTransport(port), nil
}

func newSerialTransport(port serialPort) *serialTransport {
	return &serialTransport{port: port}
}

// Close releases the serial port.
func (t *serialTransport) Close() error {
	return t.port.Close()
}

// recv reads until count bytes arrived, an exception response is complete or
// the timeout expires.
func (t *serialTransport) recv(count int, timeout time.Duration) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	deadline := time.Now().Add(timeout)
	for len(resp) < count {
		if len(resp) >= rtuExceptionSize && resp[1]&0x80 != 0 {
			break
		}
		if time.Now().After(deadline) {
			return nil, newError(KindTimeout, "serial", "received %d of %d bytes in %v", len(resp), count, timeout)
		}
		n, err := t.port.Read(buf[:count-len(resp)])
		if err != nil && err != io.EOF {
			return nil, withKind(KindIO, "serial", err)
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

// exchange sends frame with a CRC and returns the validated response without
// CRC.
func (t *serialTransport) exchange(frame []byte, respLen int, timeout time.Duration) ([]byte, error) {
	if len(frame) < 2 {
		return nil, newError(KindInvalidArguments, "serial", "frame too short")
	}
	if respLen < rtuExceptionSize {
		return nil, newError(KindInvalidArguments, "serial", "response length %d too short", respLen)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.port.Flush()
	tx := appendCRC(frame)
	if _, err := t.port.Write(tx); err != nil {
		return nil, withKind(KindIO, "serial", err)
	}
	pkgLog.Debugf("serial tx % X", tx)

	raw, err := t.recv(respLen, timeout)
	if err != nil {
		return nil, err
	}
	pkgLog.Debugf("serial rx % X", raw)

	resp, err := stripCRC(raw)
	if err != nil {
		return nil, err
	}
	if resp[0] != frame[0] {
		return nil, newError(KindIO, "serial", "response from device %02X, expected %02X", resp[0], frame[0])
	}
	if resp[1] == frame[1]|0x80 {
		return nil, newError(KindIO, "serial", "device exception %02X for function %02X", resp[2], frame[1])
	}
	return resp, nil
}

func (t *serialTransport) ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error) {
	if err := checkRegisterArgs("read holding registers", int(count), maxReadRegisters); err != nil {
		return nil, err
	}
	resp, err := t.exchange(newReadHoldingRegistersFrame(deviceAddr, regAddr, count), readHoldingRegistersResponseLength(count), timeout)
	if err != nil {
		return nil, err
	}
	return parseReadHoldingRegisters(resp, count)
}

func (t *serialTransport) WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error {
	_, err := t.exchange(newWriteSingleRegisterFrame(deviceAddr, regAddr, value), writeResponseLength, timeout)
	return err
}

func (t *serialTransport) WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error {
	if err := checkRegisterArgs("write multiple registers", len(values), maxWriteRegisters); err != nil {
		return err
	}
	_, err := t.exchange(newWriteMultipleRegistersFrame(deviceAddr, regAddr, values), writeResponseLength, timeout)
	return err
}

func (t *serialTransport) SendRawCommand(cmd RawCommand) ([]byte, error) {
	return t.exchange(cmd.Frame, cmd.ResponseLength, cmd.Timeout)
}

func (t *serialTransport) PauseMonitoring() error  { return nil }
func (t *serialTransport) ResumeMonitoring() error { return nil }
