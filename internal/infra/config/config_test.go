package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
data_root: %s
servers:
  - id: primary
    host: news.example.com
    port: 563
    tls: true
    max_connections: 8
  - id: backup
    host: fill.example.com
    port: 119
    fill_only: true
    enabled: false
download:
  bandwidth: 10MB
  min_free_space: 2GB
categories:
  - name: tv
    dir: Television
    pp: 3
    newznab: [5000]
  - name: movies
  - name: "*"
    dir: misc
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleConfig(t *testing.T) string {
	t.Helper()
	return writeConfig(t, fmt.Sprintf(sample, t.TempDir()))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(sampleConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Download.BandwidthBytes; got != 10_000_000 {
		t.Errorf("bandwidth = %d, want 10000000", got)
	}
	if got := cfg.Download.MinFreeSpaceBytes; got != 2_000_000_000 {
		t.Errorf("min free = %d", got)
	}
	if cfg.Download.TierWait != 5*time.Minute {
		t.Errorf("tier wait = %v", cfg.Download.TierWait)
	}
	if !cfg.Download.StrictCRC {
		t.Error("strict_crc should default to true")
	}
	if cfg.Download.RequiredCompleteness != 100 {
		t.Errorf("required completeness = %d", cfg.Download.RequiredCompleteness)
	}
	if cfg.PostProcess.Workers != 1 {
		t.Errorf("workers = %d", cfg.PostProcess.Workers)
	}

	p, _ := cfg.Server("primary")
	if !p.On() || p.MaxConnection != 8 || p.IdleTimeout != 30*time.Second {
		t.Errorf("primary = %+v", p)
	}
	b, _ := cfg.Server("backup")
	if b.On() || !b.FillOnly || b.MaxConnection != 10 {
		t.Errorf("backup = %+v", b)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no servers", "servers: []\n"},
		{"missing host", "servers:\n  - id: a\n    port: 119\n"},
		{"duplicate id", "servers:\n  - {id: a, host: h, port: 1}\n  - {id: a, host: h, port: 2}\n"},
		{"bad size", "servers:\n  - {id: a, host: h, port: 1}\ndownload:\n  bandwidth: lots\n"},
		{"bad pp", "servers:\n  - {id: a, host: h, port: 1}\ncategories:\n  - {name: x, pp: 7}\n"},
		{"bad level", "servers:\n  - {id: a, host: h, port: 1}\nlog:\n  level: chatty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCategoryResolution(t *testing.T) {
	cfg, err := Load(sampleConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in      string
		wantDir string
	}{
		{"TV", "Television"},
		{"5040", "Television"},
		{"2040", "movies"},
		{"movies", "movies"},
		{"unknown", "misc"},
	}
	for _, tt := range tests {
		if got := cfg.Category(tt.in).DirName(); got != tt.wantDir {
			t.Errorf("Category(%q) dir = %q, want %q", tt.in, got, tt.wantDir)
		}
	}

	if pp := cfg.Category("tv").PP; pp == nil || *pp != 3 {
		t.Errorf("tv pp = %v", pp)
	}
}

func TestReloadKeepsOldOnError(t *testing.T) {
	path := sampleConfig(t)
	p, err := NewProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	before := p.Current()

	if err := os.WriteFile(path, []byte("servers: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if p.Current() != before {
		t.Fatal("config replaced by invalid reload")
	}
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	dataRoot := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(sample, dataRoot))
	p, err := NewProvider(path)
	if err != nil {
		t.Fatal(err)
	}

	var got ChangeSet
	calls := 0
	p.Subscribe(func(_, _ *Config, cs ChangeSet) {
		calls++
		got = cs
	})

	updated := fmt.Sprintf(`
data_root: %s
servers:
  - id: primary
    host: news.example.com
    port: 563
    tls: true
    max_connections: 20
  - id: extra
    host: extra.example.com
    port: 119
log:
  level: info
`, dataRoot)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reload(); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Fatalf("subscriber calls = %d", calls)
	}
	if !got.LogLevel || !got.Bandwidth {
		t.Errorf("changeset = %+v", got)
	}
	if len(got.ServersAdded) != 1 || got.ServersAdded[0] != "extra" {
		t.Errorf("added = %v", got.ServersAdded)
	}
	if len(got.ServersRemoved) != 1 || got.ServersRemoved[0] != "backup" {
		t.Errorf("removed = %v", got.ServersRemoved)
	}
	if len(got.ServersChanged) != 1 || got.ServersChanged[0] != "primary" {
		t.Errorf("changed = %v", got.ServersChanged)
	}
}
