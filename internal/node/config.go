package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/patchnet/internal/bridge"
	"github.com/danmuck/patchnet/internal/config"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/group"
	"github.com/danmuck/patchnet/internal/registry"
	"github.com/danmuck/patchnet/internal/scheduler"
)

const (
	BackendHost     = "host"
	BackendLoopback = "loopback"

	DefaultAdminAddr      = "127.0.0.1:7100"
	DefaultStatusTopic    = "patchnet/status"
	DefaultStatusInterval = time.Second
)

var ErrInvalidConfig = errors.New("node: invalid config")

// StatusConfig enables the MQTT status publisher when Broker is set.
type StatusConfig struct {
	Broker   string
	Topic    string
	Interval time.Duration
}

// Config is everything needed to run one module.
type Config struct {
	Identity    protocol.Identity
	Jacks       []protocol.Jack
	Backend     string
	Interface   string
	Domain      group.Domain
	Registry    registry.Config
	Scheduler   scheduler.Config
	AdminAddr   string
	// AdminToken, when set, is required as a bearer token on mutating
	// admin routes.
	AdminToken  string
	CorsOrigins []string
	Patches     []config.Patch
	Status      StatusConfig
	OSC         bridge.Config
}

func DefaultConfig() Config {
	return Config{
		Backend:   BackendHost,
		Domain:    group.DefaultDomain(),
		Registry:  registry.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		AdminAddr: DefaultAdminAddr,
		Status: StatusConfig{
			Topic:    DefaultStatusTopic,
			Interval: DefaultStatusInterval,
		},
	}
}

func (c Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := protocol.ValidateJacks(c.Jacks); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Backend {
	case BackendHost, BackendLoopback:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if err := c.Domain.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.Status.Broker) != "" && c.Status.Interval <= 0 {
		return fmt.Errorf("%w: status interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// NodeID is the module id as written in patch sheets.
func (c Config) NodeID() string {
	return fmt.Sprintf("%08x", uint32(c.Identity.ID))
}
