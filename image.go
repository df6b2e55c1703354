package rackfwupdate

import (
	"io/ioutil"

	"github.com/pkg/errors"
)

// ImageFormat identifies where a FirmwareImage came from.
type ImageFormat int

// Image formats.
const (
	FormatIntelHex ImageFormat = iota
	FormatBinary
)

// Segment is a contiguous run of bytes starting at Address.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the address one past the last byte of the segment.
func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

// StartAddress holds the entry point record of an Intel HEX file.
type StartAddress struct {
	// Linear is true for a start linear address record (EIP), false for a
	// start segment address record (CS:IP).
	Linear bool
	CS, IP uint16
	EIP    uint32
}

// FirmwareImage is a parsed firmware file. Intel HEX files produce a sparse
// list of segments, binary files a flat list of big-endian words.
type FirmwareImage struct {
	Segments []Segment
	Words    []uint16
	Start    *StartAddress
	format   ImageFormat
}

// Format returns the source format of the image.
func (f *FirmwareImage) Format() ImageFormat {
	return f.format
}

// TotalSize returns the number of data bytes in the image.
func (f *FirmwareImage) TotalSize() int {
	if f.format == FormatBinary {
		return len(f.Words) * 2
	}
	n := 0
	for _, s := range f.Segments {
		n += len(s.Data)
	}
	return n
}

// Bytes serialises a binary image back to big-endian bytes.
func (f *FirmwareImage) Bytes() []byte {
	return wordsToBytes(f.Words)
}

// LoadBinaryWords groups data into big-endian 16-bit words.
func LoadBinaryWords(data []byte) (*FirmwareImage, error) {
	if len(data)%2 != 0 {
		return nil, formatErrorf(0, "odd firmware image length %d, expected whole 16-bit words", len(data))
	}
	return &FirmwareImage{Words: bytesToWords(data), format: FormatBinary}, nil
}

// LoadBinaryFile reads a raw firmware file of big-endian words.
func LoadBinaryFile(path string) (*FirmwareImage, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, withKind(KindIO, "load firmware", err)
	}
	img, err := LoadBinaryWords(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}
