package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/patchnet/internal/protocol"
)

// Jacks converts file entries into validated jack declarations.
func Jacks(entries []JackConfig) ([]protocol.Jack, error) {
	jacks := make([]protocol.Jack, 0, len(entries))
	for i, entry := range entries {
		dir, err := protocol.ParseDirection(entry.Direction)
		if err != nil {
			return nil, fmt.Errorf("jacks[%d]: %w", i, err)
		}
		kind, err := protocol.ParseSignalKind(entry.Kind)
		if err != nil {
			return nil, fmt.Errorf("jacks[%d]: %w", i, err)
		}
		channels := entry.Channels
		if channels == 0 {
			channels = 1
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = fmt.Sprintf("%s-%d", dir, entry.ID)
		}
		jacks = append(jacks, protocol.Jack{
			ID:        protocol.JackID(entry.ID),
			Name:      name,
			Direction: dir,
			Kind:      kind,
			Channels:  channels,
		})
	}
	if err := protocol.ValidateJacks(jacks); err != nil {
		return nil, err
	}
	return jacks, nil
}
