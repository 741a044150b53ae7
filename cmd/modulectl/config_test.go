package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/patchnet/internal/node"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/group"
	"github.com/danmuck/patchnet/internal/scheduler"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadModuleConfigOverrides(t *testing.T) {
	cfg, err := loadModuleConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Identity.ID != 0xa1b2c3d4 || cfg.Identity.Label != "filter-1" {
		t.Fatalf("unexpected identity: %+v", cfg.Identity)
	}
	if cfg.Backend != node.BackendLoopback {
		t.Fatalf("unexpected backend: %q", cfg.Backend)
	}
	if cfg.Domain.Prefix.String() != "239.192.0.0/14" || cfg.Domain.DiscoveryPort != 20000 || cfg.Domain.JackPort != group.DefaultJackPort {
		t.Fatalf("unexpected domain: %+v", cfg.Domain)
	}
	if cfg.Scheduler.Period != 2*time.Millisecond || cfg.Scheduler.Budget != 0.25 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if cfg.Registry.BeaconPeriod != 25 || cfg.Registry.MaxPeers != 8 {
		t.Fatalf("unexpected registry config: %+v", cfg.Registry)
	}
	if cfg.AdminAddr != "127.0.0.1:7101" || cfg.AdminToken != "patch-me" {
		t.Fatalf("unexpected admin settings: addr=%q token=%q", cfg.AdminAddr, cfg.AdminToken)
	}
	if cfg.Status.Broker != "localhost:1883" || cfg.Status.Interval != 500*time.Millisecond || cfg.Status.Topic != node.DefaultStatusTopic {
		t.Fatalf("unexpected status config: %+v", cfg.Status)
	}
	if cfg.OSC.Addr != "127.0.0.1:57120" || len(cfg.OSC.Jacks) != 1 || cfg.OSC.Jacks[0] != 3 {
		t.Fatalf("unexpected osc config: %+v", cfg.OSC)
	}
	if len(cfg.Jacks) != 3 || cfg.Jacks[2].Kind != protocol.SignalControl || cfg.Jacks[2].Channels != 1 {
		t.Fatalf("unexpected jacks: %+v", cfg.Jacks)
	}
	if len(cfg.Patches) != 2 {
		t.Fatalf("unexpected patches: %+v", cfg.Patches)
	}
	want := protocol.PatchKey{Module: 0xb0c0ffee, Jack: 5}
	if cfg.Patches[1].Source != want || cfg.Patches[1].Sink != 3 {
		t.Fatalf("unexpected patch: %+v", cfg.Patches[1])
	}
}

func TestLoadModuleConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
label = "lfo"

[[jacks]]
id = 1
direction = "source"
kind = "control"
`)
	cfg, err := loadModuleConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Identity.ID == 0 || cfg.Identity.Label != "lfo" {
		t.Fatalf("expected generated id, got %+v", cfg.Identity)
	}
	if cfg.Backend != node.BackendHost || cfg.AdminAddr != node.DefaultAdminAddr {
		t.Fatalf("unexpected defaults: backend=%q admin=%q", cfg.Backend, cfg.AdminAddr)
	}
	if cfg.Domain != group.DefaultDomain() {
		t.Fatalf("unexpected domain: %+v", cfg.Domain)
	}
	if cfg.Scheduler.Period != scheduler.DefaultPeriod {
		t.Fatalf("unexpected period: %v", cfg.Scheduler.Period)
	}
	if cfg.Status.Broker != "" || len(cfg.Patches) != 0 {
		t.Fatalf("expected no status publisher and no patches")
	}
}

func TestLoadModuleConfigLabelFromID(t *testing.T) {
	path := writeConfig(t, `
id = "42"
`)
	cfg, err := loadModuleConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Identity.Label != "module-00000042" {
		t.Fatalf("unexpected label: %q", cfg.Identity.Label)
	}
}

func TestLoadModuleConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `
period = "abc"
`)
	if _, err := loadModuleConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadModuleConfigBadSheet(t *testing.T) {
	dir := t.TempDir()
	sheet := filepath.Join(dir, "patches.toml")
	if err := os.WriteFile(sheet, []byte("[[patches]]\nsource = \"self/1\"\nsink = 1\n"), 0o644); err != nil {
		t.Fatalf("write sheet: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	content := `
patch_sheet = "patches.toml"

[[jacks]]
id = 1
direction = "source"
kind = "audio"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadModuleConfig(path); err == nil {
		t.Fatalf("expected sheet error")
	}
}
