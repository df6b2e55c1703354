package rackfwupdate

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Modbus function codes used by the updaters.
const (
	functionReadHoldingRegisters   = 0x03
	functionWriteSingleRegister    = 0x06
	functionWriteMultipleRegisters = 0x10
	functionEncapsulatedInterface  = 0x2B
)

const (
	rtuCRCSize       = 2
	rtuExceptionSize = 5
	// Registers per write multiple registers request.
	maxWriteRegisters = 123
	// Registers per read holding registers request.
	maxReadRegisters = 125
)

// appendCRC returns frame followed by its Modbus CRC, low byte first.
func appendCRC(frame []byte) []byte {
	crc := crc16.Checksum(frame, crcTable)
	out := make([]byte, 0, len(frame)+rtuCRCSize)
	out = append(out, frame...)
	return append(out, byte(crc), byte(crc>>8))
}

// stripCRC validates and removes the trailing CRC of an RTU frame.
func stripCRC(adu []byte) ([]byte, error) {
	if len(adu) < rtuCRCSize+2 {
		return nil, newError(KindIO, "rtu", "short frame of %d bytes", len(adu))
	}
	n := len(adu) - rtuCRCSize
	want := crc16.Checksum(adu[:n], crcTable)
	got := uint16(adu[n]) | uint16(adu[n+1])<<8
	if got != want {
		return nil, newError(KindChecksum, "rtu", "crc %04X, expected %04X", got, want)
	}
	return adu[:n], nil
}

func newReadHoldingRegistersFrame(deviceAddr uint8, regAddr, count uint16) []byte {
	b := []byte{deviceAddr, functionReadHoldingRegisters, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(b[2:], regAddr)
	binary.BigEndian.PutUint16(b[4:], count)
	return b
}

func newWriteSingleRegisterFrame(deviceAddr uint8, regAddr, value uint16) []byte {
	b := []byte{deviceAddr, functionWriteSingleRegister, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(b[2:], regAddr)
	binary.BigEndian.PutUint16(b[4:], value)
	return b
}

func newWriteMultipleRegistersFrame(deviceAddr uint8, regAddr uint16, values []uint16) []byte {
	b := []byte{deviceAddr, functionWriteMultipleRegisters, 0, 0, 0, 0, byte(len(values) * 2)}
	binary.BigEndian.PutUint16(b[2:], regAddr)
	binary.BigEndian.PutUint16(b[4:], uint16(len(values)))
	return append(b, wordsToBytes(values)...)
}

// Expected response lengths, CRC included.
func readHoldingRegistersResponseLength(count uint16) int { return 3 + 2*int(count) + rtuCRCSize }

const writeResponseLength = 6 + rtuCRCSize

// parseReadHoldingRegisters decodes a read holding registers response
// (address, function, byte count, data) without CRC.
func parseReadHoldingRegisters(resp []byte, count uint16) ([]uint16, error) {
	if len(resp) != 3+2*int(count) || int(resp[2]) != 2*int(count) {
		return nil, newError(KindIO, "read holding registers", "bad response % X", resp)
	}
	return bytesToWords(resp[3:]), nil
}

func checkRegisterArgs(op string, count int, max int) error {
	if count == 0 || count > max {
		return newError(KindInvalidArguments, op, "register count %d out of range 1-%d", count, max)
	}
	return nil
}

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(b[i*2:], w)
	}
	return b
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return words
}
