package registry

import (
	"errors"
	"net/netip"

	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/beacon"
	"github.com/danmuck/patchnet/internal/protocol/group"
)

var (
	ErrUnknownJack   = errors.New("registry: unknown local jack")
	ErrNotSink       = errors.New("registry: jack is not a sink")
	ErrInvalidSource = errors.New("registry: invalid patch source")
	ErrKindMismatch  = errors.New("registry: source and sink signal kinds differ")
	ErrPeerTableFull = errors.New("registry: peer table full")
)

type PeerState uint8

const (
	StateUnknown PeerState = iota
	StateAnnounced
	StateActive
	StateStale
	StateEvicted
)

func (s PeerState) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	DefaultMaxPeers     = 16
	DefaultBeaconPeriod = 50
	DefaultStaleAfter   = 3
	DefaultEvictAfter   = 10

	// joinWarnEvery limits hard join failure logs from Reconcile, which
	// retries every cycle.
	joinWarnEvery = 1000
)

// Config holds discovery timing. Timeouts are counted in beacon periods,
// and a period is counted in scheduler cycles.
type Config struct {
	Domain       group.Domain
	MaxPeers     int
	BeaconPeriod int
	StaleAfter   int
	EvictAfter   int
}

func DefaultConfig() Config {
	return Config{
		Domain:       group.DefaultDomain(),
		MaxPeers:     DefaultMaxPeers,
		BeaconPeriod: DefaultBeaconPeriod,
		StaleAfter:   DefaultStaleAfter,
		EvictAfter:   DefaultEvictAfter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.Domain.Prefix.IsValid() {
		c.Domain = d.Domain
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.BeaconPeriod <= 0 {
		c.BeaconPeriod = d.BeaconPeriod
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.EvictAfter <= c.StaleAfter {
		c.EvictAfter = max(d.EvictAfter, c.StaleAfter+1)
	}
	return c
}

// PeerInfo is a copy of one peer record.
type PeerInfo struct {
	ID       protocol.ModuleID `json:"id"`
	Label    string            `json:"label"`
	State    PeerState         `json:"state"`
	Jacks    []beacon.Entry    `json:"jacks"`
	LastSeen uint64            `json:"last_seen_cycle"`
}

// Patch is one local sink bound to a source.
type Patch struct {
	Source    protocol.PatchKey `json:"source"`
	Sink      protocol.JackID   `json:"sink"`
	Group     netip.Addr        `json:"group"`
	Suspended bool              `json:"suspended"`
	Joined    bool              `json:"joined"`
}

// Stats are cumulative registry counters.
type Stats struct {
	BeaconsAccepted uint64 `json:"beacons_accepted"`
	BeaconsDropped  uint64 `json:"beacons_dropped"`
	PeersAnnounced  uint64 `json:"peers_announced"`
	PeersStale      uint64 `json:"peers_stale"`
	PeersEvicted    uint64 `json:"peers_evicted"`
	Joins           uint64 `json:"joins"`
	Leaves          uint64 `json:"leaves"`
	JoinRetries     uint64 `json:"join_retries"`
	JoinErrors      uint64 `json:"join_errors"`
	Rejoins         uint64 `json:"rejoins"`
}
