package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/patchnet/internal/protocol"
)

var (
	ErrSheet  = errors.New("config: invalid patch sheet")
	ErrModule = errors.New("config: invalid module config")
)

// ModuleFile is the on-disk module configuration. Zero values mean
// "use the runtime default".
type ModuleFile struct {
	ID            string       `toml:"id" yaml:"id"`
	Label         string       `toml:"label" yaml:"label"`
	Backend       string       `toml:"backend" yaml:"backend"`
	Interface     string       `toml:"interface" yaml:"interface"`
	Domain        string       `toml:"domain" yaml:"domain"`
	DiscoveryPort uint16       `toml:"discovery_port" yaml:"discovery_port"`
	JackPort      uint16       `toml:"jack_port" yaml:"jack_port"`
	Period        string       `toml:"period" yaml:"period"`
	Budget        float64      `toml:"budget" yaml:"budget"`
	BeaconPeriod  int          `toml:"beacon_period" yaml:"beacon_period"`
	MaxPeers      int          `toml:"max_peers" yaml:"max_peers"`
	AdminAddr     string       `toml:"admin_addr" yaml:"admin_addr"`
	AdminToken    string       `toml:"admin_token" yaml:"admin_token"`
	CorsOrigins   []string     `toml:"cors_origins" yaml:"cors_origins"`
	PatchSheet    string       `toml:"patch_sheet" yaml:"patch_sheet"`
	MQTT          MQTTFile     `toml:"mqtt" yaml:"mqtt"`
	OSC           OSCFile      `toml:"osc" yaml:"osc"`
	Jacks         []JackConfig `toml:"jacks" yaml:"jacks"`
}

type MQTTFile struct {
	Broker   string `toml:"broker" yaml:"broker"`
	Topic    string `toml:"topic" yaml:"topic"`
	Interval string `toml:"interval" yaml:"interval"`
}

type OSCFile struct {
	Addr   string   `toml:"addr" yaml:"addr"`
	Prefix string   `toml:"prefix" yaml:"prefix"`
	Jacks  []uint16 `toml:"jacks" yaml:"jacks"`
}

type JackConfig struct {
	ID        uint16 `toml:"id" yaml:"id"`
	Name      string `toml:"name" yaml:"name"`
	Direction string `toml:"direction" yaml:"direction"`
	Kind      string `toml:"kind" yaml:"kind"`
	Channels  uint8  `toml:"channels" yaml:"channels"`
}

// PatchSheet lists the cables a module plugs in at startup. Sources are
// written "<module-hex>/<jack>" or "self/<jack>".
type PatchSheet struct {
	Patches []PatchEntry `toml:"patches" yaml:"patches"`
}

type PatchEntry struct {
	Source string `toml:"source" yaml:"source"`
	Sink   uint16 `toml:"sink" yaml:"sink"`
}

// Patch is a resolved sheet entry.
type Patch struct {
	Source protocol.PatchKey
	Sink   protocol.JackID
}

func LoadModuleFile(path string) (ModuleFile, error) {
	var cfg ModuleFile
	if err := load(path, &cfg); err != nil {
		return ModuleFile{}, err
	}
	if err := ValidateModuleFile(cfg); err != nil {
		return ModuleFile{}, err
	}
	return cfg, nil
}

func LoadPatchSheet(path string) (PatchSheet, error) {
	var sheet PatchSheet
	if err := load(path, &sheet); err != nil {
		return PatchSheet{}, err
	}
	return sheet, nil
}

// load picks the decoder by extension: .yaml and .yml use YAML, anything
// else TOML.
func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = toml.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateModuleFile(cfg ModuleFile) error {
	if strings.TrimSpace(cfg.ID) != "" {
		if _, err := protocol.ParseModuleID(cfg.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrModule, err)
		}
	}
	if len(cfg.Label) > protocol.MaxLabelLen {
		return fmt.Errorf("%w: label longer than %d bytes", ErrModule, protocol.MaxLabelLen)
	}
	switch strings.TrimSpace(cfg.Backend) {
	case "", "host", "loopback":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrModule, cfg.Backend)
	}
	if strings.TrimSpace(cfg.Domain) != "" {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cfg.Domain)); err != nil {
			return fmt.Errorf("%w: domain: %w", ErrModule, err)
		}
	}
	for _, raw := range []string{cfg.Period, cfg.MQTT.Interval} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil || d <= 0 {
			return fmt.Errorf("%w: bad duration %q", ErrModule, raw)
		}
	}
	if cfg.Budget < 0 || cfg.Budget > 1 {
		return fmt.Errorf("%w: budget %.2f outside (0,1]", ErrModule, cfg.Budget)
	}
	jacks, err := Jacks(cfg.Jacks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModule, err)
	}
	for _, id := range cfg.OSC.Jacks {
		j, ok := findJack(jacks, protocol.JackID(id))
		if !ok || j.Direction != protocol.DirSink || j.Kind == protocol.SignalAudio {
			return fmt.Errorf("%w: osc jack %d must be a control or clock sink", ErrModule, id)
		}
	}
	return nil
}

// ParsePatchKey reads "<module-hex>/<jack>"; "self" stands for the local
// module.
func ParsePatchKey(raw string, self protocol.ModuleID) (protocol.PatchKey, error) {
	mod, jack, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return protocol.PatchKey{}, fmt.Errorf("%w: source %q is not module/jack", ErrSheet, raw)
	}
	j, err := strconv.ParseUint(strings.TrimSpace(jack), 10, 16)
	if err != nil {
		return protocol.PatchKey{}, fmt.Errorf("%w: source %q jack: %w", ErrSheet, raw, err)
	}
	var id protocol.ModuleID
	if strings.EqualFold(strings.TrimSpace(mod), "self") {
		id = self
	} else if id, err = protocol.ParseModuleID(mod); err != nil {
		return protocol.PatchKey{}, fmt.Errorf("%w: %w", ErrSheet, err)
	}
	if id == 0 {
		return protocol.PatchKey{}, fmt.Errorf("%w: source %q has no module", ErrSheet, raw)
	}
	if !protocol.JackID(j).Valid() {
		return protocol.PatchKey{}, fmt.Errorf("%w: source %q jack not below %d", ErrSheet, raw, protocol.MaxJacksPerModule)
	}
	return protocol.PatchKey{Module: id, Jack: protocol.JackID(j)}, nil
}

// Resolve checks the sheet against the local jacks and returns its patches
// in file order.
func (s PatchSheet) Resolve(self protocol.ModuleID, jacks []protocol.Jack) ([]Patch, error) {
	out := make([]Patch, 0, len(s.Patches))
	seen := make(map[protocol.JackID]int, len(s.Patches))
	for i, e := range s.Patches {
		src, err := ParsePatchKey(e.Source, self)
		if err != nil {
			return nil, fmt.Errorf("patches[%d]: %w", i, err)
		}
		sink := protocol.JackID(e.Sink)
		j, ok := findJack(jacks, sink)
		if !ok || j.Direction != protocol.DirSink {
			return nil, fmt.Errorf("%w: patches[%d] sink %d is not a local sink", ErrSheet, i, sink)
		}
		if prev, dup := seen[sink]; dup {
			return nil, fmt.Errorf("%w: patches[%d] sink %d already patched by patches[%d]", ErrSheet, i, sink, prev)
		}
		seen[sink] = i
		out = append(out, Patch{Source: src, Sink: sink})
	}
	return out, nil
}

func findJack(jacks []protocol.Jack, id protocol.JackID) (protocol.Jack, bool) {
	for _, j := range jacks {
		if j.ID == id {
			return j, true
		}
	}
	return protocol.Jack{}, false
}
