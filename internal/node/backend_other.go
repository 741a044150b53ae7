//go:build !(linux || darwin)

package node

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

func openHost(context.Context, Config, zerolog.Logger) (closingBackend, error) {
	return nil, errors.New("node: host backend not supported on this platform")
}
