package rackfwupdate

import (
	"fmt"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Workaround is a set of device quirks handled by the mailbox updater.
type Workaround uint

// Known workarounds.
const (
	// ExpectWriteBlockCrcError: the device answers block writes with a bad
	// CRC even though the block was accepted.
	ExpectWriteBlockCrcError Workaround = 1 << iota
	// ForceExitBootModeOnStart: a device found outside normal operation is
	// walked back out of boot mode before the update starts.
	ForceExitBootModeOnStart
	// ForceClearVerifyRegister: clear the verify register during that
	// recovery.
	ForceClearVerifyRegister
)

var workaroundNames = map[string]Workaround{
	"expect_write_block_crc_error":  ExpectWriteBlockCrcError,
	"force_exit_boot_mode_on_start": ForceExitBootModeOnStart,
	"force_clear_verify_register":   ForceClearVerifyRegister,
}

func (w Workaround) String() string {
	var names []string
	for name, bit := range workaroundNames {
		if w&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// VendorParams holds the mailbox protocol parameters of one vendor.
type VendorParams struct {
	Name string
	// BlockSize is the number of bytes written per block.
	BlockSize     int
	BootModeMagic uint16
	// BlockWait makes the updater poll for FirmwarePacketCorrect after each
	// block instead of sleeping.
	BlockWait          bool
	VersionRegister    uint16
	VersionRegisterLen uint16
	Workarounds        Workaround
}

// Has reports whether the vendor needs workaround w.
func (p VendorParams) Has(w Workaround) bool {
	return p.Workarounds&w != 0
}

// WordsPerBlock returns the number of registers written per block.
func (p VendorParams) WordsPerBlock() int {
	return p.BlockSize / 2
}

// Validate checks that the parameters can drive the protocol.
func (p VendorParams) Validate() error {
	switch {
	case p.Name == "":
		return newError(KindConfiguration, "vendor", "missing vendor name")
	case p.BlockSize <= 0 || p.BlockSize%2 != 0:
		return newError(KindConfiguration, "vendor", "%s: block size %d must be a positive even number", p.Name, p.BlockSize)
	case p.BlockSize/2 > maxWriteRegisters:
		return newError(KindConfiguration, "vendor", "%s: block size %d exceeds %d bytes", p.Name, p.BlockSize, maxWriteRegisters*2)
	case p.VersionRegisterLen == 0 || p.VersionRegisterLen > maxReadRegisters:
		return newError(KindConfiguration, "vendor", "%s: version register length %d out of range", p.Name, p.VersionRegisterLen)
	}
	return nil
}

// WithBlockSize returns a copy of p using a different block size.
func (p VendorParams) WithBlockSize(size int) (VendorParams, error) {
	p.BlockSize = size
	return p, p.Validate()
}

func (p VendorParams) String() string {
	return fmt.Sprintf("%s (block %d, boot magic 0x%04X, block wait %v, version 0x%04X/%d, workarounds [%v])",
		p.Name, p.BlockSize, p.BootModeMagic, p.BlockWait, p.VersionRegister, p.VersionRegisterLen, p.Workarounds)
}

// VendorTable maps vendor names to their parameters.
type VendorTable map[string]VendorParams

var builtinVendors = VendorTable{
	"panasonic": {
		Name:               "panasonic",
		BlockSize:          16,
		BootModeMagic:      0xA0A0,
		VersionRegister:    0x0040,
		VersionRegisterLen: 4,
		Workarounds:        ExpectWriteBlockCrcError,
	},
	"delta": {
		Name:               "delta",
		BlockSize:          64,
		BootModeMagic:      0xA5A5,
		BlockWait:          true,
		VersionRegister:    0x0030,
		VersionRegisterLen: 4,
	},
	"hpr_panasonic": {
		Name:               "hpr_panasonic",
		BlockSize:          16,
		BootModeMagic:      0xA0A0,
		VersionRegister:    0x0040,
		VersionRegisterLen: 8,
		Workarounds:        ExpectWriteBlockCrcError | ForceExitBootModeOnStart,
	},
	"hpr_delta": {
		Name:               "hpr_delta",
		BlockSize:          64,
		BootModeMagic:      0xA5A5,
		BlockWait:          true,
		VersionRegister:    0x0030,
		VersionRegisterLen: 8,
		Workarounds:        ForceExitBootModeOnStart | ForceClearVerifyRegister,
	},
}

func init() {
	for name, p := range builtinVendors {
		if err := p.Validate(); err != nil || p.Name != name {
			panic(fmt.Sprintf("invalid builtin vendor %q: %v", name, err))
		}
	}
}

// DefaultVendors returns a copy of the built-in vendor table.
func DefaultVendors() VendorTable {
	t := make(VendorTable, len(builtinVendors))
	for k, v := range builtinVendors {
		t[k] = v
	}
	return t
}

// Names returns the sorted vendor names.
func (t VendorTable) Names() []string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the parameters of vendor name.
func (t VendorTable) Lookup(name string) (VendorParams, error) {
	p, ok := t[name]
	if !ok {
		return VendorParams{}, newError(KindConfiguration, "vendor", "unknown vendor %q, expected one of %s",
			name, strings.Join(t.Names(), ", "))
	}
	return p, nil
}

// LookupVendor returns the built-in parameters of vendor name.
func LookupVendor(name string) (VendorParams, error) {
	return builtinVendors.Lookup(name)
}

type vendorFileEntry struct {
	Name                  string   `yaml:"name"`
	BlockSize             int      `yaml:"block_size"`
	BootModeMagic         uint16   `yaml:"boot_mode_magic"`
	BlockWait             bool     `yaml:"block_wait"`
	VersionRegister       uint16   `yaml:"version_register"`
	VersionRegisterLength uint16   `yaml:"version_register_length"`
	Workarounds           []string `yaml:"workarounds"`
}

type vendorFile struct {
	Vendors []vendorFileEntry `yaml:"vendors"`
}

// ParseVendors decodes a YAML vendor profile document and merges its
// entries over base. Every entry is validated; base is not modified.
//
//	vendors:
//	  - name: acme
//	    block_size: 32
//	    boot_mode_magic: 0xA0A0
//	    block_wait: true
//	    version_register: 0x40
//	    version_register_length: 4
//	    workarounds: [expect_write_block_crc_error]
func ParseVendors(data []byte, base VendorTable) (VendorTable, error) {
	var f vendorFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, withKind(KindConfiguration, "vendor file", err)
	}

	out := make(VendorTable, len(base)+len(f.Vendors))
	for k, v := range base {
		out[k] = v
	}
	for _, e := range f.Vendors {
		p := VendorParams{
			Name:               e.Name,
			BlockSize:          e.BlockSize,
			BootModeMagic:      e.BootModeMagic,
			BlockWait:          e.BlockWait,
			VersionRegister:    e.VersionRegister,
			VersionRegisterLen: e.VersionRegisterLength,
		}
		for _, w := range e.Workarounds {
			bit, ok := workaroundNames[w]
			if !ok {
				return nil, newError(KindConfiguration, "vendor file", "%s: unknown workaround %q", e.Name, w)
			}
			p.Workarounds |= bit
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

// LoadVendorFile reads a YAML vendor profile file, see ParseVendors.
func LoadVendorFile(path string, base VendorTable) (VendorTable, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, withKind(KindConfiguration, "vendor file", err)
	}
	t, err := ParseVendors(data, base)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}
