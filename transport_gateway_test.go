package rackfwupdate

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

type gatewayTimeout struct{}

func (gatewayTimeout) Error() string   { return "i/o timeout" }
func (gatewayTimeout) Timeout() bool   { return true }
func (gatewayTimeout) Temporary() bool { return true }

// fakeGateway keeps the real MBAP packager and answers requests from a
// register map instead of a socket.
type fakeGateway struct {
	*modbus.TCPClientHandler
	regs    map[uint16]uint16
	timeout bool
	slaves  []byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		TCPClientHandler: modbus.NewTCPClientHandler("gateway.invalid:502"),
		regs:             map[uint16]uint16{},
	}
}

func (g *fakeGateway) Connect() error             { return nil }
func (g *fakeGateway) Close() error               { return nil }
func (g *fakeGateway) setTimeout(d time.Duration) { g.Timeout = d }

func (g *fakeGateway) setSlave(id byte) {
	g.SlaveId = id
	g.slaves = append(g.slaves, id)
}

func (g *fakeGateway) Send(adu []byte) ([]byte, error) {
	if g.timeout {
		return nil, gatewayTimeout{}
	}
	pdu := adu[7:]
	var resp []byte
	switch pdu[0] {
	case 0x03:
		reg := binary.BigEndian.Uint16(pdu[1:])
		n := binary.BigEndian.Uint16(pdu[3:])
		resp = []byte{0x03, byte(2 * n)}
		for i := uint16(0); i < n; i++ {
			v, ok := g.regs[reg+i]
			if !ok {
				resp = []byte{0x83, 0x02}
				break
			}
			resp = append(resp, byte(v>>8), byte(v))
		}
	case 0x06:
		g.regs[binary.BigEndian.Uint16(pdu[1:])] = binary.BigEndian.Uint16(pdu[3:])
		resp = append([]byte(nil), pdu...)
	case 0x10:
		reg := binary.BigEndian.Uint16(pdu[1:])
		n := binary.BigEndian.Uint16(pdu[3:])
		for i := uint16(0); i < n; i++ {
			g.regs[reg+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		resp = append([]byte(nil), pdu[:5]...)
	case 0x2B:
		resp = []byte{0x2B, 0x71, 0x62, 0x00, 0x00, 0x00, 0x00, 0x00, 0x40}
	default:
		resp = []byte{pdu[0] | 0x80, 0x01}
	}

	out := make([]byte, 7, 7+len(resp))
	copy(out, adu[:4])
	binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
	out[6] = adu[6]
	return append(out, resp...), nil
}

func TestGatewayRegisters(t *testing.T) {
	g := newFakeGateway()
	tr := newGatewayTransport(g)

	if err := tr.WriteSingleRegister(0xB0, 0x0300, 0xA5A5, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteMultipleRegisters(0xB0, 0x0310, []uint16{1, 2, 3}, time.Second); err != nil {
		t.Fatal(err)
	}
	regs, err := tr.ReadHoldingRegisters(0xB0, 0x0310, 3, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 3 || regs[0] != 1 || regs[2] != 3 || g.regs[0x0300] != 0xA5A5 {
		t.Errorf("regs = %v, map = %v", regs, g.regs)
	}
	if g.slaves[0] != 0xB0 {
		t.Errorf("slave id %02X", g.slaves[0])
	}

	if _, err := tr.ReadHoldingRegisters(0xB0, 0x0400, 1, time.Second); !IsKind(err, KindIO) {
		t.Errorf("exception error = %v, want an i/o error", err)
	}
	g.timeout = true
	if err := tr.WriteSingleRegister(0xB0, 0x0300, 1, time.Second); !IsKind(err, KindTimeout) {
		t.Errorf("timeout error = %v", err)
	}
}

func TestGatewayRawCommand(t *testing.T) {
	tr := newGatewayTransport(newFakeGateway())
	u := NewMEIUpdater(tr, 0xB2, 0, Options{Clock: newFakeClock()})
	status, err := u.GetStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	if !status.Has(StatusEraseDone) {
		t.Errorf("status = %v", status)
	}

	if _, err := tr.SendRawCommand(RawCommand{Frame: []byte{0xB2, 0x41}, Timeout: time.Second}); !IsKind(err, KindIO) {
		t.Errorf("exception error = %v", err)
	}
}
