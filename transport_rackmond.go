package rackfwupdate

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// rackmondRequest is a request to the rackmond UNIX socket service.
type rackmondRequest struct {
	Type           string   `json:"type"`
	Cmd            []byte   `json:"-"`
	RawCmd         []int    `json:"cmd,omitempty"`
	ResponseLength int      `json:"response_length,omitempty"`
	Timeout        int64    `json:"timeout,omitempty"`
	UniqueAddress  *uint32  `json:"uniqueDevAddress,omitempty"`
	DevAddress     *uint8   `json:"devAddress,omitempty"`
	RegAddress     *uint16  `json:"regAddress,omitempty"`
	NumRegisters   uint16   `json:"numRegisters,omitempty"`
	RegValue       *uint16  `json:"regValue,omitempty"`
	RegValues      []uint16 `json:"regValues,omitempty"`
}

type rackmondResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// rackmond status strings.
const (
	rackmondSuccess        = "SUCCESS"
	rackmondErrTimeout     = "ERR_TIMEOUT"
	rackmondErrBadCRC      = "ERR_BAD_CRC"
	rackmondErrInvalidArgs = "ERR_INVALID_ARGS"
	rackmondErrIOFailure   = "ERR_IO_FAILURE"
)

const (
	rackmondControlTimeout  = 5 * time.Second
	rackmondTimeoutMargin   = time.Second
	maxRackmondMessageBytes = 1 << 20
)

// rackmondTransport talks to the rackmon daemon which owns the bus. Each
// request uses its own connection. Messages are JSON documents prefixed with
// their length as a little-endian uint32.
type rackmondTransport struct {
	socketPath string
	dial       func(path string, timeout time.Duration) (net.Conn, error)
}

// NewRackmondTransport returns a transport that sends requests to the rackmond
// socket at socketPath.
func NewRackmondTransport(socketPath string) Transport {
	return &rackmondTransport{
		socketPath: socketPath,
		dial: func(path string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("unix", path, timeout)
		},
	}
}

func writeRackmondMessage(w io.Writer, msg []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readRackmondMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxRackmondMessageBytes {
		return nil, errors.Errorf("message of %d bytes too large", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func statusError(op, status string) error {
	switch status {
	case rackmondSuccess:
		return nil
	case rackmondErrTimeout:
		return newError(KindTimeout, op, "rackmond: %s", status)
	case rackmondErrBadCRC:
		return newError(KindChecksum, op, "rackmond: %s", status)
	case rackmondErrInvalidArgs:
		return newError(KindInvalidArguments, op, "rackmond: %s", status)
	default:
		return newError(KindIO, op, "rackmond: %s", status)
	}
}

// do sends req and decodes the data member of the response into out, when
// out is not nil. timeout is the device timeout; the socket deadline allows a
// margin on top of it.
func (t *rackmondTransport) do(op string, req *rackmondRequest, timeout time.Duration, out interface{}) error {
	if req.Cmd != nil {
		req.RawCmd = make([]int, len(req.Cmd))
		for i, b := range req.Cmd {
			req.RawCmd[i] = int(b)
		}
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return withKind(KindInvalidArguments, op, err)
	}

	conn, err := t.dial(t.socketPath, timeout+rackmondTimeoutMargin)
	if err != nil {
		return withKind(KindIO, op, errors.Wrap(err, "connect to rackmond"))
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout + rackmondTimeoutMargin))

	if err := writeRackmondMessage(conn, msg); err != nil {
		return withKind(KindIO, op, errors.Wrap(err, "send request"))
	}
	reply, err := readRackmondMessage(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return withKind(KindTimeout, op, err)
		}
		return withKind(KindIO, op, errors.Wrap(err, "read reply"))
	}

	var resp rackmondResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return withKind(KindIO, op, errors.Wrap(err, "decode reply"))
	}
	if err := statusError(op, resp.Status); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return withKind(KindIO, op, errors.Wrap(err, "decode reply data"))
		}
	}
	return nil
}

func (t *rackmondTransport) ReadHoldingRegisters(deviceAddr uint8, regAddr, count uint16, timeout time.Duration) ([]uint16, error) {
	if err := checkRegisterArgs("read holding registers", int(count), maxReadRegisters); err != nil {
		return nil, err
	}
	req := &rackmondRequest{
		Type:         "readHoldingRegisters",
		DevAddress:   &deviceAddr,
		RegAddress:   &regAddr,
		NumRegisters: count,
		Timeout:      timeout.Milliseconds(),
	}
	var regs []uint16
	if err := t.do("read holding registers", req, timeout, &regs); err != nil {
		return nil, err
	}
	if len(regs) != int(count) {
		return nil, newError(KindIO, "read holding registers", "got %d registers, expected %d", len(regs), count)
	}
	return regs, nil
}

func (t *rackmondTransport) WriteSingleRegister(deviceAddr uint8, regAddr, value uint16, timeout time.Duration) error {
	req := &rackmondRequest{
		Type:       "writeSingleRegister",
		DevAddress: &deviceAddr,
		RegAddress: &regAddr,
		RegValue:   &value,
		Timeout:    timeout.Milliseconds(),
	}
	return t.do("write single register", req, timeout, nil)
}

func (t *rackmondTransport) WriteMultipleRegisters(deviceAddr uint8, regAddr uint16, values []uint16, timeout time.Duration) error {
	if err := checkRegisterArgs("write multiple registers", len(values), maxWriteRegisters); err != nil {
		return err
	}
	req := &rackmondRequest{
		Type:       "presetMultipleRegisters",
		DevAddress: &deviceAddr,
		RegAddress: &regAddr,
		RegValues:  values,
		Timeout:    timeout.Milliseconds(),
	}
	return t.do("write multiple registers", req, timeout, nil)
}

// SendRawCommand returns the response with the CRC already checked and
// removed by the daemon.
func (t *rackmondTransport) SendRawCommand(cmd RawCommand) ([]byte, error) {
	if len(cmd.Frame) < 2 {
		return nil, newError(KindInvalidArguments, "raw command", "frame too short")
	}
	req := &rackmondRequest{
		Type:           "raw",
		Cmd:            cmd.Frame,
		ResponseLength: cmd.ResponseLength,
		Timeout:        cmd.Timeout.Milliseconds(),
		UniqueAddress:  cmd.UniqueAddress,
	}
	var data []int
	if err := t.do("raw command", req, cmd.Timeout, &data); err != nil {
		return nil, err
	}
	resp := make([]byte, len(data))
	for i, v := range data {
		if v < 0 || v > 0xFF {
			return nil, newError(KindIO, "raw command", "response byte %d out of range", v)
		}
		resp[i] = byte(v)
	}
	return resp, nil
}

func (t *rackmondTransport) PauseMonitoring() error {
	return t.do("pause monitoring", &rackmondRequest{Type: "pause"}, rackmondControlTimeout, nil)
}

func (t *rackmondTransport) ResumeMonitoring() error {
	return t.do("resume monitoring", &rackmondRequest{Type: "resume"}, rackmondControlTimeout, nil)
}

// ListDevices returns the devices rackmond is monitoring.
func (t *rackmondTransport) ListDevices() ([]DeviceInfo, error) {
	var devices []DeviceInfo
	if err := t.do("list devices", &rackmondRequest{Type: "listModbusDevices"}, rackmondControlTimeout, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
