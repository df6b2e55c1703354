package rackfwupdate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// MEIChunkSize is the number of image bytes sent per write-data command.
const MEIChunkSize = 128

const (
	// Every MEI response is the device address, nine bytes and the CRC.
	meiResponseLength = 12

	meiVersionRegister      = 0x0030
	meiVersionRegisterCount = 4
)

// Device settle times and status waits.
const (
	meiEraseSettle       = 1500 * time.Millisecond
	meiWriteSettle       = 20 * time.Millisecond
	meiVerifySettle      = 100 * time.Millisecond
	meiStatusWait        = 5 * time.Second
	meiStatusPoll        = 100 * time.Millisecond
	meiWriteDataWait     = 5 * time.Second
	meiWriteDataPoll     = 50 * time.Millisecond
	meiVerifyWait        = 10 * time.Second
	meiVerifyPoll        = 100 * time.Millisecond
	meiAddressFieldBytes = 4
)

// meiCommand is one MEI request and the reply it must produce.
type meiCommand struct {
	name    string
	request []byte
	// response is compared with the reply bytes following the device
	// address. payloadLen further bytes are returned to the caller.
	response   []byte
	payloadLen int
}

func ffs(n int) []byte {
	return bytes.Repeat([]byte{0xFF}, n)
}

func newGetChallengeCommand() meiCommand {
	return meiCommand{
		name:       "challenge",
		request:    []byte{0x2B, 0x64, 0x27, 0x00, 0x00},
		response:   []byte{0x2B, 0x71, 0x67, 0x00, 0x00},
		payloadLen: 4,
	}
}

func newSendKeyCommand(key [4]byte) meiCommand {
	return meiCommand{
		name:     "key",
		request:  append([]byte{0x2B, 0x64, 0x27, 0x00, 0x01}, key[:]...),
		response: append([]byte{0x2B, 0x71, 0x67, 0x00, 0x01}, ffs(4)...),
	}
}

func newEraseCommand() meiCommand {
	return meiCommand{
		name:     "erase",
		request:  append([]byte{0x2B, 0x64, 0x31, 0x00, 0x00}, ffs(4)...),
		response: append([]byte{0x2B, 0x71, 0x71}, ffs(6)...),
	}
}

func newSetAddressCommand(address uint32) meiCommand {
	req := []byte{0x2B, 0x64, 0x34, 0x00, 0x00, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(req[len(req)-meiAddressFieldBytes:], address)
	return meiCommand{
		name:     "set write addr",
		request:  req,
		response: append([]byte{0x2B, 0x71, 0x74}, ffs(6)...),
	}
}

func newWriteDataCommand(data []byte) meiCommand {
	return meiCommand{
		name:     "write data",
		request:  append([]byte{0x2B, 0x65, 0x36}, data...),
		response: append([]byte{0x2B, 0x73, 0x76}, ffs(6)...),
	}
}

func newVerifyCommand() meiCommand {
	return meiCommand{
		name:     "verify",
		request:  []byte{0x2B, 0x64, 0x31, 0x00, 0x01},
		response: append([]byte{0x2B, 0x71, 0x71}, ffs(6)...),
	}
}

func newActivateCommand() meiCommand {
	return meiCommand{
		name:     "activate",
		request:  []byte{0x2B, 0x64, 0x2E, 0x00, 0x00},
		response: append([]byte{0x2B, 0x71, 0x6E}, ffs(6)...),
	}
}

func newGetStatusCommand() meiCommand {
	return meiCommand{
		name:       "status",
		request:    []byte{0x2B, 0x64, 0x22, 0x00, 0x00},
		response:   []byte{0x2B, 0x71, 0x62, 0x00, 0x00},
		payloadLen: 4,
	}
}

// CalculateKey derives the response to an MEI security challenge from the
// 64-bit security key.
func CalculateKey(challenge [4]byte, securityKey uint64) [4]byte {
	lower := uint32(securityKey)
	upper := uint32(securityKey >> 32)

	seed := binary.BigEndian.Uint32(challenge[:])
	for i := 0; i < 32; i++ {
		if seed&1 != 0 {
			seed ^= lower
		}
		seed = (seed >> 1) & 0x7FFFFFFF
	}
	seed ^= upper

	var key [4]byte
	binary.BigEndian.PutUint32(key[:], seed)
	return key
}

// MEIUpdater updates devices using the authenticated MEI protocol.
type MEIUpdater struct {
	transport   Transport
	deviceAddr  uint8
	securityKey uint64
	options     Options
}

// NewMEIUpdater creates an updater for the device at deviceAddr.
func NewMEIUpdater(t Transport, deviceAddr uint8, securityKey uint64, options Options) *MEIUpdater {
	return &MEIUpdater{
		transport:   t,
		deviceAddr:  deviceAddr,
		securityKey: securityKey,
		options:     options.withDefaults(),
	}
}

// exec sends cmd and returns the payload following the expected response.
// Any other reply is a protocol error; MEI commands are never re-sent.
func (u *MEIUpdater) exec(cmd meiCommand) ([]byte, error) {
	frame := append([]byte{u.deviceAddr}, cmd.request...)
	resp, err := u.transport.SendRawCommand(RawCommand{
		Frame:          frame,
		ResponseLength: meiResponseLength,
		Timeout:        u.options.Timeouts.Raw,
		UniqueAddress:  u.options.UniqueAddress,
	})
	if err != nil {
		return nil, err
	}

	want := 1 + len(cmd.response) + cmd.payloadLen
	if len(resp) != want || resp[0] != u.deviceAddr || !bytes.Equal(resp[1:1+len(cmd.response)], cmd.response) {
		return nil, newError(KindProtocol, "mei", "bad %s response: % X", cmd.name, resp)
	}
	return resp[1+len(cmd.response):], nil
}

// GetStatusRegister reads the device status word.
func (u *MEIUpdater) GetStatusRegister() (StatusRegister, error) {
	payload, err := u.exec(newGetStatusCommand())
	if err != nil {
		return 0, err
	}
	var b [4]byte
	copy(b[:], payload)
	return NewStatusRegister(b), nil
}

// waitStatus polls the status register until done returns true or timeout
// expires.
func (u *MEIUpdater) waitStatus(what string, done func(StatusRegister) bool, timeout, delay time.Duration) (StatusRegister, error) {
	clock := u.options.Clock
	start := clock.Now()
	for {
		status, err := u.GetStatusRegister()
		if err != nil {
			return status, err
		}
		if done(status) {
			return status, nil
		}
		if clock.Now().Sub(start) >= timeout {
			return status, newError(KindStatusMismatch, "mei", "timeout waiting for %s, status %v", what, status)
		}
		clock.Sleep(delay)
	}
}

func bitSet(bit StatusBit) func(StatusRegister) bool {
	return func(s StatusRegister) bool { return s.Has(bit) }
}

func bitCleared(bit StatusBit) func(StatusRegister) bool {
	return func(s StatusRegister) bool { return !s.Has(bit) }
}

func (u *MEIUpdater) getChallenge() ([4]byte, error) {
	pkgLog.Infof("send get seed")
	var challenge [4]byte
	payload, err := u.exec(newGetChallengeCommand())
	if err != nil {
		return challenge, err
	}
	copy(challenge[:], payload)
	pkgLog.Infof("got seed % X", challenge[:])
	return challenge, nil
}

func (u *MEIUpdater) sendKey(key [4]byte) error {
	pkgLog.Infof("send key")
	if _, err := u.exec(newSendKeyCommand(key)); err != nil {
		return err
	}
	pkgLog.Infof("send key successful")
	return nil
}

// KeyHandshake authenticates with the device.
func (u *MEIUpdater) KeyHandshake() error {
	challenge, err := u.getChallenge()
	if err != nil {
		return err
	}
	return u.sendKey(CalculateKey(challenge, u.securityKey))
}

// EraseFlash erases the application flash.
func (u *MEIUpdater) EraseFlash() error {
	pkgLog.Infof("erasing flash...")
	if _, err := u.exec(newEraseCommand()); err != nil {
		return err
	}
	u.options.Clock.Sleep(meiEraseSettle)

	status, err := u.GetStatusRegister()
	if err != nil {
		return err
	}
	if !status.Has(StatusEraseDone) {
		return newError(KindStatusMismatch, "erase", "erase failed, status %v", status)
	}
	pkgLog.Infof("erase successful")
	return nil
}

// SetWriteAddress sets the flash address for the following WriteData calls.
func (u *MEIUpdater) SetWriteAddress(address uint32) error {
	if _, err := u.exec(newSetAddressCommand(address)); err != nil {
		return err
	}
	_, err := u.waitStatus("address accepted", bitSet(StatusAddressAccepted), meiStatusWait, meiStatusPoll)
	return err
}

// WriteData writes one MEIChunkSize chunk at the current write address.
func (u *MEIUpdater) WriteData(data []byte) error {
	if len(data) != MEIChunkSize {
		return newError(KindInvalidArguments, "write data", "invalid data size %d, expected %d", len(data), MEIChunkSize)
	}
	if _, err := u.exec(newWriteDataCommand(data)); err != nil {
		return err
	}
	u.options.Clock.Sleep(meiWriteSettle)

	status, err := u.waitStatus("send data not busy", bitCleared(StatusSendDataBusy), meiWriteDataWait, meiWriteDataPoll)
	if err != nil {
		return err
	}
	if !status.Has(StatusSendDataReady) {
		if _, err := u.waitStatus("send data ready", bitSet(StatusSendDataReady), meiWriteDataWait, meiWriteDataPoll); err != nil {
			return err
		}
	}
	return nil
}

// VerifyFlash asks the device to check the CRC of the written image.
func (u *MEIUpdater) VerifyFlash() error {
	pkgLog.Infof("verifying program...")
	if _, err := u.exec(newVerifyCommand()); err != nil {
		return err
	}
	u.options.Clock.Sleep(meiVerifySettle)

	status, err := u.waitStatus("verify not busy", bitCleared(StatusVerifyCRCBusy), meiVerifyWait, meiVerifyPoll)
	if err != nil {
		return err
	}
	if !status.Has(StatusCRCVerified) {
		return newError(KindVerification, "verify", "CRC verification failed, status %v", status)
	}
	pkgLog.Infof("verify of flash successful")
	return nil
}

// Activate switches the device to the new image. The device may reset once
// the command completes.
func (u *MEIUpdater) Activate() error {
	pkgLog.Infof("activating image...")
	if _, err := u.exec(newActivateCommand()); err != nil {
		return err
	}
	pkgLog.Infof("activate successful")
	return nil
}

// sendImage writes every segment in MEIChunkSize chunks, padding the last
// chunk of a segment with 0xFF.
func (u *MEIUpdater) sendImage(img *FirmwareImage) error {
	total := countRows(img.Segments, MEIChunkSize)
	sent := 0

	startSegment := func(seg Segment) error {
		pkgLog.Infof("sending %d byte segment at %08X", len(seg.Data), seg.Address)
		return u.SetWriteAddress(seg.Address)
	}
	writeChunk := func(addr uint32, data []byte) error {
		chunk := ffs(MEIChunkSize)
		copy(chunk, data)
		sent++
		u.options.report("transferring", sent, total)
		return u.WriteData(chunk)
	}
	if err := writeSegments(img.Segments, MEIChunkSize, startSegment, writeChunk); err != nil {
		return err
	}
	pkgLog.Infof("sent %d chunks", sent)
	return nil
}

// UpdateFirmware loads an Intel HEX file and writes it to the device.
func (u *MEIUpdater) UpdateFirmware(path string) error {
	pkgLog.Infof("parsing firmware")
	img, err := LoadIntelHexFile(path)
	if err != nil {
		return err
	}
	return u.UpdateImage(img)
}

// UpdateImage authenticates, erases, transfers, verifies and activates.
func (u *MEIUpdater) UpdateImage(img *FirmwareImage) error {
	if img.Format() != FormatIntelHex {
		return newError(KindFileFormat, "mei", "MEI update needs an Intel HEX image")
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"key handshake", u.KeyHandshake},
		{"erase", u.EraseFlash},
		{"transfer", func() error { return u.sendImage(img) }},
		{"verify", u.VerifyFlash},
		{"activate", u.Activate},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s failed: %w", step.name, err)
		}
	}
	return nil
}

// ReadVersion reads the running firmware version. The version is only used
// for diagnostics, so failures are reported in the returned text.
func (u *MEIUpdater) ReadVersion() (string, error) {
	regs, err := u.transport.ReadHoldingRegisters(u.deviceAddr, meiVersionRegister, meiVersionRegisterCount, u.options.Timeouts.Read)
	if err != nil {
		return fmt.Sprintf("Could not read version: %v", err), nil
	}
	return decodeASCII(regs), nil
}
