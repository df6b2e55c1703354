package rackfwupdate

import (
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadBinaryWords(t *testing.T) {
	img, err := LoadBinaryWords([]byte{0x12, 0x34, 0xAB, 0xCD})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(img.Words, []uint16{0x1234, 0xABCD}) {
		t.Errorf("words = %04X", img.Words)
	}
	if img.Format() != FormatBinary || img.TotalSize() != 4 {
		t.Errorf("format %v size %d", img.Format(), img.TotalSize())
	}
	if !reflect.DeepEqual(img.Bytes(), []byte{0x12, 0x34, 0xAB, 0xCD}) {
		t.Errorf("bytes = % X", img.Bytes())
	}

	for _, data := range [][]byte{{1}, {1, 2, 3}} {
		if _, err := LoadBinaryWords(data); !IsKind(err, KindFileFormat) {
			t.Errorf("LoadBinaryWords(% X) error = %v, want a file format error", data, err)
		}
	}

	img, err = LoadBinaryWords(nil)
	if err != nil {
		t.Fatalf("empty buffer: %v", err)
	}
	if len(img.Words) != 0 {
		t.Errorf("empty buffer gave %d words", len(img.Words))
	}
}

func TestLoadBinaryFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.bin")
	if err := ioutil.WriteFile(path, []byte{0, 1, 0, 2, 0, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	img, err := LoadBinaryFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(img.Words) != 3 {
		t.Errorf("got %d words", len(img.Words))
	}

	if _, err := LoadBinaryFile(filepath.Join(dir, "missing.bin")); !IsKind(err, KindIO) {
		t.Errorf("missing file error = %v", err)
	}
}
