package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/backend/loopback"
	"github.com/danmuck/patchnet/internal/bridge"
	"github.com/danmuck/patchnet/internal/observability"
	"github.com/danmuck/patchnet/internal/registry"
	"github.com/danmuck/patchnet/internal/scheduler"
)

type closingBackend interface {
	backend.Backend
	io.Closer
}

// Service is one module: its transport loop plus the admin surfaces around
// it.
type Service struct {
	cfg     Config
	log     zerolog.Logger
	be      backend.Backend
	closer  io.Closer
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	bridge  *bridge.Bridge
	status  *StatusPublisher
	router  *gin.Engine
	started time.Time
}

var _ Node = (*Service)(nil)

// Open builds the backend named by cfg.Backend and the service on top of it.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		be     backend.Backend
		closer io.Closer
	)
	switch cfg.Backend {
	case BackendLoopback:
		be = loopback.NewHub().NewEndpoint()
	default:
		hb, err := openHost(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("node: open host backend: %w", err)
		}
		be, closer = hb, hb
	}
	svc, err := New(cfg, be, log)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	svc.closer = closer
	return svc, nil
}

// New wires a service over an existing backend and applies cfg.Patches.
func New(cfg Config, be backend.Backend, log zerolog.Logger) (*Service, error) {
	if be == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	log = log.With().Str("module", cfg.Identity.Label).Str("id", cfg.NodeID()).Logger()
	rc := cfg.Registry
	rc.Domain = cfg.Domain
	reg, err := registry.New(cfg.Identity, cfg.Jacks, be, rc, log)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(cfg.Scheduler, reg, be, log)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		be:      be,
		reg:     reg,
		sched:   sched,
		started: time.Now(),
	}
	for _, p := range cfg.Patches {
		if err := sched.Connect(p.Source, p.Sink); err != nil {
			return nil, fmt.Errorf("node: apply patch %s -> %d: %w", p.Source, p.Sink, err)
		}
	}
	if strings.TrimSpace(cfg.OSC.Addr) != "" && len(cfg.OSC.Jacks) > 0 {
		b, err := bridge.New(cfg.OSC, cfg.Identity.Label, cfg.Jacks, log)
		if err != nil {
			return nil, err
		}
		s.bridge = b
	}
	if strings.TrimSpace(cfg.Status.Broker) != "" {
		s.status = NewStatusPublisher(cfg.Status, cfg.NodeID(), sched.Snapshot, log)
	}
	sched.SetProcessor(s.process)
	s.router = s.newRouter()
	s.RegisterRoutes()
	return s, nil
}

// process runs on the scheduler goroutine every cycle.
func (s *Service) process(uint64) {
	if s.bridge == nil {
		return
	}
	for _, id := range s.bridge.Jacks() {
		q := s.sched.Inbound(id)
		if q == nil {
			continue
		}
		for {
			blk, ok := q.Pop()
			if !ok {
				break
			}
			s.bridge.Observe(id, blk)
		}
	}
}

func (s *Service) NodeID() string {
	return s.cfg.NodeID()
}

func (s *Service) Kind() string {
	return "module"
}

func (s *Service) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Snapshot is the last state the loop published.
func (s *Service) Snapshot() *scheduler.Snapshot {
	return s.sched.Snapshot()
}

func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Run starts the loop and every configured surface, and blocks until ctx
// is canceled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	observability.RegisterMetrics()
	collector := observability.NewTransportCollector(s.NodeID(), s.sched.Snapshot)
	if err := prometheus.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("node: register metrics: %w", err)
		}
	} else {
		defer prometheus.Unregister(collector)
	}
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sched.Run(gctx)
	})
	if s.cfg.AdminAddr != "" {
		srv := &http.Server{Addr: s.cfg.AdminAddr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("node: admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(gctx)
		})
	}
	if s.status != nil {
		g.Go(func() error {
			return s.status.Run(gctx)
		})
	}
	s.log.Info().
		Int("jacks", len(s.cfg.Jacks)).
		Int("patches", len(s.cfg.Patches)).
		Str("backend", s.cfg.Backend).
		Msg("module running")
	err := g.Wait()
	if err != nil {
		s.log.Error().Err(err).Msg("module stopped")
	} else {
		s.log.Info().Msg("module stopped")
	}
	return err
}

func (s *Service) close() {
	if s.closer == nil {
		return
	}
	if err := s.closer.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close backend")
	}
}
