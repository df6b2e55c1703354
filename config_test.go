package rackfwupdate

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("transport: tcp://10.0.0.1:502\ntimeouts:\n  raw: 500ms\nstabilization_delay: 1s\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Transport:          "tcp://10.0.0.1:502",
		Timeouts:           Timeouts{Read: DefaultReadTimeout, Write: DefaultWriteTimeout, Raw: 500 * time.Millisecond},
		StabilizationDelay: time.Second,
	}
	if cfg != want {
		t.Errorf("config = %+v, want %+v", cfg, want)
	}

	cfg, err = ParseConfig(nil)
	if err != nil || cfg != DefaultConfig() {
		t.Errorf("empty config = %+v, %v", cfg, err)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, doc := range []string{
		"transprot: x\n",
		"timeouts:\n  read: soon\n",
		"stabilization_delay: -1s\n",
	} {
		if _, err := ParseConfig([]byte(doc)); !IsKind(err, KindConfiguration) {
			t.Errorf("%q: error = %v, want a configuration error", doc, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rackfwupdate.yaml")
	if err := ioutil.WriteFile(path, []byte("transport: serial:///dev/ttyS1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "serial:///dev/ttyS1" || cfg.StabilizationDelay != DefaultStabilizationDelay {
		t.Errorf("config = %+v", cfg)
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !IsKind(err, KindConfiguration) {
		t.Errorf("missing file error = %v", err)
	}
}
