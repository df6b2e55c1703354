package rackfwupdate

import "fmt"

// progError records the flash address at which an update step failed.
type progError struct {
	Address uint32
	Err     error
}

func (e *progError) Error() string {
	return fmt.Sprintf("error at %X: %v", e.Address, e.Err)
}

func (e *progError) Unwrap() error { return e.Err }

// countRows returns the number of writeRowSize rows needed for segments.
func countRows(segments []Segment, writeRowSize int) int {
	n := 0
	for _, segment := range segments {
		n += (len(segment.Data) + writeRowSize - 1) / writeRowSize
	}
	return n
}

// writeSegments calls startFunc for every non-empty segment and then
// writeFunc for each row of it. The last row of a segment may be short.
func writeSegments(segments []Segment, writeRowSize int, startFunc func(Segment) error, writeFunc func(uint32, []byte) error) error {
	for _, segment := range segments {
		if len(segment.Data) == 0 {
			pkgLog.Infof("ignoring empty segment at %08X", segment.Address)
			continue
		}
		if err := startFunc(segment); err != nil {
			return &progError{Address: segment.Address, Err: err}
		}
		offset := 0
		for addr := segment.Address; offset < len(segment.Data); addr, offset = addr+uint32(writeRowSize), offset+writeRowSize {
			chunk := segment.Data[offset:]
			if len(chunk) > writeRowSize {
				chunk = segment.Data[offset : offset+writeRowSize]
			}
			if err := writeFunc(addr, chunk); err != nil {
				return &progError{Address: addr, Err: err}
			}
		}
	}
	return nil
}
