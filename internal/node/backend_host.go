//go:build linux || darwin

package node

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/backend/host"
)

func openHost(ctx context.Context, cfg Config, log zerolog.Logger) (closingBackend, error) {
	hc := host.DefaultConfig()
	hc.Interface = cfg.Interface
	hc.Domain = cfg.Domain
	return host.Open(ctx, hc, log)
}
