package registry

import (
	"fmt"
	"slices"

	"github.com/danmuck/patchnet/internal/protocol"
)

// PatchState is the domain-wide state of the held-jack patch gesture, as
// seen from one module.
type PatchState uint8

const (
	// PatchIdle: no jack is held anywhere.
	PatchIdle PatchState = iota
	// PatchEnabled: one side of a cable is held and waits for the other.
	PatchEnabled
	// PatchToggled: exactly one source and one sink are held and the cable
	// between them has been toggled.
	PatchToggled
	// PatchBlocked: more than one source or sink is held, so no cable
	// changes until some are released.
	PatchBlocked
)

func (s PatchState) String() string {
	switch s {
	case PatchEnabled:
		return "enabled"
	case PatchToggled:
		return "toggled"
	case PatchBlocked:
		return "blocked"
	default:
		return "idle"
	}
}

func (s PatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Held lists the jacks currently held for patching across the domain.
type Held struct {
	Sources []protocol.PatchKey `json:"sources"`
	Sinks   []protocol.PatchKey `json:"sinks"`
}

type gesture struct {
	state PatchState
	// done is the pair already toggled during the current hold; it is
	// not toggled again until one of its jacks is released.
	done    bool
	src     protocol.PatchKey
	sink    protocol.PatchKey
	toggles uint64
}

// SetHeld marks a local jack as held or released. Held jacks are
// advertised in beacons so the whole domain sees the gesture.
func (r *Registry) SetHeld(jack protocol.JackID, held bool) error {
	if _, ok := r.jacks[jack]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJack, jack)
	}
	if r.held[jack] == held {
		return nil
	}
	if held {
		r.held[jack] = true
	} else {
		delete(r.held, jack)
	}
	r.rebuildEntries()
	return nil
}

// Toggle removes the cable from src to sink if it exists and patches it
// otherwise. It reports whether the cable is present afterwards.
func (r *Registry) Toggle(src protocol.PatchKey, sink protocol.JackID) (bool, error) {
	if cur, ok := r.patches[sink]; ok && cur.src == src {
		return false, r.Disconnect(src, sink)
	}
	if err := r.Connect(src, sink); err != nil {
		return false, err
	}
	return true, nil
}

// HeldJacks gathers held jacks from this module and from every active
// peer, ordered by module then jack.
func (r *Registry) HeldJacks() Held {
	var h Held
	for _, id := range r.order {
		if !r.held[id] {
			continue
		}
		k := protocol.PatchKey{Module: r.self.ID, Jack: id}
		if r.jacks[id].Direction == protocol.DirSource {
			h.Sources = append(h.Sources, k)
		} else {
			h.Sinks = append(h.Sinks, k)
		}
	}
	for _, p := range r.peers {
		if p.state != StateActive {
			continue
		}
		for _, e := range p.jacks {
			if !e.Held {
				continue
			}
			k := protocol.PatchKey{Module: p.id, Jack: e.Jack}
			if e.Direction == protocol.DirSource {
				h.Sources = append(h.Sources, k)
			} else {
				h.Sinks = append(h.Sinks, k)
			}
		}
	}
	slices.SortFunc(h.Sources, comparePatchKey)
	slices.SortFunc(h.Sinks, comparePatchKey)
	return h
}

// ResolveGesture recomputes the patch state from held jacks. When the one
// held sink is local and a single source is held, the cable between them
// is toggled once per hold.
func (r *Registry) ResolveGesture() (PatchState, error) {
	h := r.HeldJacks()
	g := &r.gesture
	var state PatchState
	switch {
	case len(h.Sources) == 0 && len(h.Sinks) == 0:
		state = PatchIdle
	case len(h.Sources) > 1 || len(h.Sinks) > 1:
		state = PatchBlocked
	case len(h.Sources) == 1 && len(h.Sinks) == 1:
		state = PatchToggled
	default:
		state = PatchEnabled
	}
	g.state = state
	if state != PatchToggled {
		g.done = false
		return state, nil
	}
	src, sink := h.Sources[0], h.Sinks[0]
	if g.done && g.src == src && g.sink == sink {
		return state, nil
	}
	g.done, g.src, g.sink = true, src, sink
	if sink.Module != r.self.ID {
		return state, nil
	}
	connected, err := r.Toggle(src, sink.Jack)
	if err != nil {
		return state, err
	}
	g.toggles++
	r.log.Info().Str("source", src.String()).Uint16("sink", uint16(sink.Jack)).Bool("connected", connected).Msg("patch toggled by gesture")
	return state, nil
}

// PatchState is the result of the last ResolveGesture.
func (r *Registry) PatchState() PatchState {
	return r.gesture.state
}

// GestureToggles counts cables this module toggled through the gesture.
func (r *Registry) GestureToggles() uint64 {
	return r.gesture.toggles
}

func comparePatchKey(a, b protocol.PatchKey) int {
	if c := compareID(a.Module, b.Module); c != 0 {
		return c
	}
	return int(a.Jack) - int(b.Jack)
}
