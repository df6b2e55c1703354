package rackfwupdate

import (
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

// gatewayHandler is the part of *modbus.TCPClientHandler used by the gateway
// transport.
type gatewayHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
	setSlave(id byte)
	setTimeout(d time.Duration)
}

type tcpGatewayHandler struct {
	*modbus.TCPClientHandler
}

func (h tcpGatewayHandler) setSlave(id byte)           { h.SlaveId = id }
func (h tcpGatewayHandler) setTimeout(d time.Duration) { h.Timeout = d }

// gatewayTransport reaches the bus through a Modbus-TCP to RTU gateway. The
// gateway has no monitoring of its own, so pause and resume do nothing.
type gatewayTransport struct {
	mu      sync.Mutex
	handler gatewayHandler
	client  modbus.Client
}

// NewGatewayTransport connects to a Modbus-TCP gateway at address (host:port).
func NewGatewayTransport(address string) (Transport, error) {
	if address == "" {
		return nil, newError(KindConfiguration, "open gateway", "no address given")
	}
	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = DefaultRawTimeout
	if err := handler.Connect(); err != nil {
		return nil, withKind(KindIO, "open gateway", errors.Wrap(err, address))
	}
	return newGatewayTransport(tcpGatewayHandler{handler}), nil
}

func newGatewayTransport(h gatewayHandler) *gatewayTransport {
	return &gatewayTransport{handler: h, client: modbus.NewClient(h)}
}

// Close disconnects from the gateway.
func (t *gatewayTransport) Close() error {
	return t.handler.Close()
}

func (t *gatewayTransport) prepare(deviceAddr uint8, timeout time.Duration) {
	t.handler.setSlave(deviceAddr)
	t.handler.setTimeout(timeout)
}

func gatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return withKind(KindTimeout, op, err)
	}
	// Modbus exceptions land here too.
	return withKind(KindIO, op, err)
}

func (t *gatewayTransport) ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error) {
	if err := checkRegisterArgs("read holding registers", int(count), maxReadRegisters); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare(deviceAddr, timeout)

	raw, err := t.client.ReadHoldingRegisters(regAddr, count)
	if err != nil {
		return nil, gatewayError("read holding registers", err)
	}
	if len(raw) != 2*int(count) {
		return nil, newError(KindIO, "read holding registers", "got %d bytes for %d registers", len(raw), count)
	}
	return bytesToWords(raw), nil
}

func (t *gatewayTransport) WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare(deviceAddr, timeout)

	_, err := t.client.WriteSingleRegister(regAddr, value)
	return gatewayError("write single register", err)
}

func (t *gatewayTransport) WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error {
	if err := checkRegisterArgs("write multiple registers", len(values), maxWriteRegisters); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare(deviceAddr, timeout)

	_, err := t.client.WriteMultipleRegisters(regAddr, uint16(len(values)), wordsToBytes(values))
	return gatewayError("write multiple registers", err)
}

// SendRawCommand wraps the frame's PDU in an MBAP header. The response is
// returned in RTU order (address, function, data) without CRC, the same as
// the other transports.
func (t *gatewayTransport) SendRawCommand(cmd RawCommand) ([]byte, error) {
	if len(cmd.Frame) < 2 {
		return nil, newError(KindInvalidArguments, "raw command", "frame too short")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare(cmd.Frame[0], cmd.Timeout)

	adu, err := t.handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: cmd.Frame[1], Data: cmd.Frame[2:]})
	if err != nil {
		return nil, withKind(KindInvalidArguments, "raw command", err)
	}
	resp, err := t.handler.Send(adu)
	if err != nil {
		return nil, gatewayError("raw command", err)
	}
	if err = t.handler.Verify(adu, resp); err != nil {
		return nil, withKind(KindIO, "raw command", err)
	}
	pdu, err := t.handler.Decode(resp)
	if err != nil {
		return nil, withKind(KindIO, "raw command", err)
	}
	if pdu.FunctionCode == cmd.Frame[1]|0x80 {
		return nil, newError(KindIO, "raw command", "device exception % X for function %02X", pdu.Data, cmd.Frame[1])
	}
	out := append([]byte{cmd.Frame[0], pdu.FunctionCode}, pdu.Data...)
	return out, nil
}

func (t *gatewayTransport) PauseMonitoring() error  { return nil }
func (t *gatewayTransport) ResumeMonitoring() error { return nil }
