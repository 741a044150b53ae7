package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/patchnet/internal/config"
	"github.com/danmuck/patchnet/internal/node"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/group"
)

func loadModuleConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw config.ModuleFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load module config: %w", err)
	}
	if err := config.ValidateModuleFile(raw); err != nil {
		return node.Config{}, err
	}

	label := strings.TrimSpace(raw.Label)
	if meta.IsDefined("id") && strings.TrimSpace(raw.ID) != "" {
		id, err := protocol.ParseModuleID(raw.ID)
		if err != nil {
			return node.Config{}, err
		}
		if label == "" {
			label = fmt.Sprintf("module-%08x", uint32(id))
		}
		cfg.Identity = protocol.Identity{ID: id, Label: label}
	} else {
		cfg.Identity = protocol.NewIdentity(label)
	}

	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("interface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}

	prefix := cfg.Domain.Prefix.String()
	if meta.IsDefined("domain") {
		prefix = strings.TrimSpace(raw.Domain)
	}
	domain, err := group.NewDomain(prefix, raw.DiscoveryPort, raw.JackPort)
	if err != nil {
		return node.Config{}, err
	}
	cfg.Domain = domain

	if meta.IsDefined("period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Period))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse period: %w", err)
		}
		cfg.Scheduler.Period = d
	}
	if meta.IsDefined("budget") {
		cfg.Scheduler.Budget = raw.Budget
	}
	if meta.IsDefined("beacon_period") {
		cfg.Registry.BeaconPeriod = raw.BeaconPeriod
	}
	if meta.IsDefined("max_peers") {
		cfg.Registry.MaxPeers = raw.MaxPeers
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if meta.IsDefined("mqtt", "broker") {
		cfg.Status.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "topic") {
		cfg.Status.Topic = strings.TrimSpace(raw.MQTT.Topic)
	}
	if meta.IsDefined("mqtt", "interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MQTT.Interval))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse mqtt.interval: %w", err)
		}
		cfg.Status.Interval = d
	}

	if meta.IsDefined("osc", "addr") {
		cfg.OSC.Addr = strings.TrimSpace(raw.OSC.Addr)
	}
	if meta.IsDefined("osc", "prefix") {
		cfg.OSC.Prefix = strings.TrimSpace(raw.OSC.Prefix)
	}
	for _, id := range raw.OSC.Jacks {
		cfg.OSC.Jacks = append(cfg.OSC.Jacks, protocol.JackID(id))
	}

	jacks, err := config.Jacks(raw.Jacks)
	if err != nil {
		return node.Config{}, err
	}
	cfg.Jacks = jacks

	if sheet := strings.TrimSpace(raw.PatchSheet); sheet != "" {
		if !filepath.IsAbs(sheet) {
			sheet = filepath.Join(filepath.Dir(path), sheet)
		}
		ps, err := config.LoadPatchSheet(sheet)
		if err != nil {
			return node.Config{}, err
		}
		patches, err := ps.Resolve(cfg.Identity.ID, cfg.Jacks)
		if err != nil {
			return node.Config{}, fmt.Errorf("patch sheet %s: %w", sheet, err)
		}
		cfg.Patches = patches
	}

	if err := cfg.Validate(); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}
