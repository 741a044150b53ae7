package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/observability"
	"github.com/danmuck/patchnet/internal/registry"
	"github.com/danmuck/patchnet/internal/scheduler"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Publisher is the slice of an MQTT client the status loop uses.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// StatusMessage is published retained under <topic>/<module id>.
type StatusMessage struct {
	Module    string             `json:"module"`
	Label     string             `json:"label"`
	Time      time.Time          `json:"time"`
	Cycle     uint64             `json:"cycle"`
	Link      string             `json:"link"`
	Suspended bool               `json:"suspended"`
	Peers     int                `json:"peers"`
	Active    int                `json:"active"`
	Patches   int                `json:"patches"`
	Counters  scheduler.Counters `json:"counters"`
}

// StatusPublisher periodically publishes loop snapshots to an MQTT broker.
type StatusPublisher struct {
	cfg      StatusConfig
	module   string
	snapshot func() *scheduler.Snapshot
	log      zerolog.Logger
}

func NewStatusPublisher(cfg StatusConfig, module string, snapshot func() *scheduler.Snapshot, log zerolog.Logger) *StatusPublisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultStatusTopic
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStatusInterval
	}
	return &StatusPublisher{
		cfg:      cfg,
		module:   module,
		snapshot: snapshot,
		log:      log.With().Str("component", "status").Str("broker", cfg.Broker).Logger(),
	}
}

func (p *StatusPublisher) Topic() string {
	return p.cfg.Topic + "/" + p.module
}

// Run connects to the broker and publishes until ctx is done. The client
// reconnects on its own; a failed publish is logged and counted.
func (p *StatusPublisher) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
	opts.SetClientID("patchnet-" + p.module)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.log.Info().Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn().Msg("mqtt connect still pending, publishing once connected")
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("node: mqtt connect: %w", err)
	}
	defer client.Disconnect(250)
	return p.Serve(ctx, clientPublisher{client})
}

// Serve publishes one message per interval through pub.
func (p *StatusPublisher) Serve(ctx context.Context, pub Publisher) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			p.publishOnce(pub, now)
		}
	}
}

func (p *StatusPublisher) publishOnce(pub Publisher, now time.Time) {
	snap := p.snapshot()
	if snap == nil {
		return
	}
	payload, err := json.Marshal(BuildStatus(snap, p.module, now))
	if err == nil {
		err = pub.Publish(p.Topic(), payload)
	}
	observability.RecordStatusPublish(p.module, err == nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("status publish failed")
	}
}

func BuildStatus(snap *scheduler.Snapshot, module string, now time.Time) StatusMessage {
	msg := StatusMessage{
		Module:    module,
		Label:     snap.Module.Label,
		Time:      now.UTC(),
		Cycle:     snap.Cycle,
		Link:      snap.Link,
		Suspended: snap.LinkSuspended,
		Peers:     len(snap.Peers),
		Patches:   len(snap.Patches),
		Counters:  snap.Counters,
	}
	for _, peer := range snap.Peers {
		if peer.State == registry.StateActive {
			msg.Active++
		}
	}
	return msg
}

type clientPublisher struct {
	client mqtt.Client
}

func (c clientPublisher) Publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := c.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}
