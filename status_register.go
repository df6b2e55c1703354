package rackfwupdate

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// StatusBit is a bit position in the MEI status register.
type StatusBit uint

// MEI status register bits.
const (
	StatusSecurityUnlocked StatusBit = 0
	StatusBootloaderMode   StatusBit = 1
	StatusImageValid       StatusBit = 2
	StatusActivatePending  StatusBit = 3
	StatusEraseBusy        StatusBit = 4
	StatusEraseError       StatusBit = 5
	StatusEraseDone        StatusBit = 6
	StatusAddressError     StatusBit = 7
	StatusAddressAccepted  StatusBit = 8
	StatusSendDataBusy     StatusBit = 9
	StatusSendDataReady    StatusBit = 10
	StatusSendDataError    StatusBit = 11
	StatusVerifyCRCBusy    StatusBit = 12
	StatusCRCVerified      StatusBit = 13
	StatusCRCError         StatusBit = 14
	StatusActivateDone     StatusBit = 15
	StatusKeyError         StatusBit = 16
	StatusSequenceError    StatusBit = 17
	StatusLengthError      StatusBit = 18
	StatusFlashTimeout     StatusBit = 19
)

var statusBitNames = [32]string{
	"SecurityUnlocked", "BootloaderMode", "ImageValid", "ActivatePending",
	"EraseBusy", "EraseError", "EraseDone", "AddressError",
	"AddressAccepted", "SendDataBusy", "SendDataReady", "SendDataError",
	"VerifyCRCBusy", "CRCVerified", "CRCError", "ActivateDone",
	"KeyError", "SequenceError", "LengthError", "FlashTimeout",
	"Reserved20", "Reserved21", "Reserved22", "Reserved23",
	"Reserved24", "Reserved25", "Reserved26", "Reserved27",
	"Reserved28", "Reserved29", "Reserved30", "Reserved31",
}

func (b StatusBit) String() string {
	if b < 32 {
		return statusBitNames[b]
	}
	return fmt.Sprintf("bit%d", uint(b))
}

// StatusRegister is a snapshot of the 32-bit MEI status word.
type StatusRegister uint32

// NewStatusRegister decodes the four big-endian status bytes of a get-status
// response.
func NewStatusRegister(b [4]byte) StatusRegister {
	return StatusRegister(binary.BigEndian.Uint32(b[:]))
}

// Has reports whether bit is set.
func (s StatusRegister) Has(bit StatusBit) bool {
	return bit < 32 && uint32(s)&(1<<bit) != 0
}

// Flags returns the names of the set bits.
func (s StatusRegister) Flags() []string {
	var flags []string
	for bit := StatusBit(0); bit < 32; bit++ {
		if s.Has(bit) {
			flags = append(flags, bit.String())
		}
	}
	return flags
}

func (s StatusRegister) String() string {
	flags := s.Flags()
	if len(flags) == 0 {
		return fmt.Sprintf("0x%08x", uint32(s))
	}
	return fmt.Sprintf("0x%08x [%s]", uint32(s), strings.Join(flags, " "))
}
