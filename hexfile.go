package rackfwupdate

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Intel HEX record types.
const (
	recordData                   = 0x00
	recordEndOfFile              = 0x01
	recordExtendedSegmentAddress = 0x02
	recordStartSegmentAddress    = 0x03
	recordExtendedLinearAddress  = 0x04
	recordStartLinearAddress     = 0x05
)

// byte count + address + type + checksum
const minRecordLength = 5

const maxHexLineLength = 1024 * 1024

// hexParser decodes records itself and collects the data in a gohex.Memory,
// which keeps the segments sorted, merged and free of overlaps.
type hexParser struct {
	mem         *gohex.Memory
	start       *StartAddress
	linearBase  uint32
	segmentBase uint32
	eof         bool
}

// LoadIntelHexFile opens and parses an Intel HEX file.
func LoadIntelHexFile(fileName string) (*FirmwareImage, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, withKind(KindIO, "load firmware", err)
	}
	defer file.Close()

	img, err := ParseIntelHex(file)
	if err != nil {
		return nil, errors.Wrap(err, fileName)
	}
	return img, nil
}

// ParseIntelHex parses Intel HEX text into a segmented image. Lines that do
// not start with ':' are ignored. Any malformed record aborts the parse with
// an error naming the line.
func ParseIntelHex(r io.Reader) (*FirmwareImage, error) {
	p := &hexParser{mem: gohex.NewMemory()}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxHexLineLength)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ":") {
			continue
		}
		if err := p.parseRecord(lineNum, line[1:]); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, formatErrorf(lineNum+1, "read failed: %v", err)
	}

	img := &FirmwareImage{Start: p.start, format: FormatIntelHex}
	for _, s := range p.mem.GetDataSegments() {
		pkgLog.Debugf("parsed segment at %08X length %v", s.Address, len(s.Data))
		img.Segments = append(img.Segments, Segment{Address: s.Address, Data: s.Data})
	}
	return img, nil
}

func (p *hexParser) parseRecord(lineNum int, text string) error {
	rec, err := hex.DecodeString(text)
	if err != nil {
		return formatErrorf(lineNum, "invalid hex record: %v", err)
	}
	if len(rec) < minRecordLength {
		return formatErrorf(lineNum, "truncated record: %d bytes", len(rec))
	}
	count := int(rec[0])
	if len(rec) != count+minRecordLength {
		return formatErrorf(lineNum, "record length %d does not match byte count %d", len(rec)-minRecordLength, count)
	}

	var sum byte
	for _, b := range rec[:len(rec)-1] {
		sum += b
	}
	if want := -sum; rec[len(rec)-1] != want {
		return formatErrorf(lineNum, "checksum mismatch: got %02X, expected %02X", rec[len(rec)-1], want)
	}

	if p.eof {
		return formatErrorf(lineNum, "record after end of file")
	}

	address := binary.BigEndian.Uint16(rec[1:3])
	recType := rec[3]
	data := rec[4 : len(rec)-1]

	switch recType {
	case recordData:
		return p.addData(lineNum, uint32(address)+p.linearBase+p.segmentBase, data)

	case recordEndOfFile:
		p.eof = true

	case recordExtendedSegmentAddress:
		if len(data) != 2 {
			return formatErrorf(lineNum, "extended segment address record has %d bytes, expected 2", len(data))
		}
		p.segmentBase = uint32(binary.BigEndian.Uint16(data)) << 4

	case recordExtendedLinearAddress:
		if len(data) != 2 {
			return formatErrorf(lineNum, "extended linear address record has %d bytes, expected 2", len(data))
		}
		p.linearBase = uint32(binary.BigEndian.Uint16(data)) << 16

	case recordStartSegmentAddress:
		if len(data) != 4 {
			return formatErrorf(lineNum, "start segment address record has %d bytes, expected 4", len(data))
		}
		p.start = &StartAddress{
			CS: binary.BigEndian.Uint16(data[0:2]),
			IP: binary.BigEndian.Uint16(data[2:4]),
		}

	case recordStartLinearAddress:
		if len(data) != 4 {
			return formatErrorf(lineNum, "start linear address record has %d bytes, expected 4", len(data))
		}
		p.start = &StartAddress{Linear: true, EIP: binary.BigEndian.Uint32(data)}

	default:
		return formatErrorf(lineNum, "unknown record type %02X", recType)
	}
	return nil
}

func (p *hexParser) addData(lineNum int, address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := p.mem.AddBinary(address, append([]byte(nil), data...)); err != nil {
		return formatErrorf(lineNum, "data at %08X overlaps earlier data: %v", address, err)
	}
	return nil
}
