package scheduler

import (
	"fmt"
	"math"

	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/registry"
)

// levelGain scales a mean level so ordinary program material reaches full
// brightness.
const levelGain = 16

// JackLight is the feedback shown on one jack: the signal level and a
// colour whose hue names the source and whose brightness follows level.
type JackLight struct {
	Jack      protocol.JackID    `json:"jack"`
	Direction protocol.Direction `json:"direction"`
	Level     float64            `json:"level"`
	Hue       uint16             `json:"hue"`
	Color     string             `json:"color"`
}

// overrideColor is shown on every jack while a patch gesture is in progress.
func overrideColor(st registry.PatchState) (string, bool) {
	switch st {
	case registry.PatchEnabled:
		return "#ffffff", true
	case registry.PatchToggled:
		return "#ffff00", true
	case registry.PatchBlocked:
		return "#ff0000", true
	default:
		return "", false
	}
}

func (s *Scheduler) lights() []JackLight {
	override, gesture := overrideColor(s.reg.PatchState())
	patches := make(map[protocol.JackID]protocol.PatchKey)
	for _, p := range s.reg.Patches() {
		patches[p.Sink] = p.Source
	}
	jacks := s.reg.Jacks()
	out := make([]JackLight, 0, len(jacks))
	for _, j := range jacks {
		l := JackLight{Jack: j.ID, Direction: j.Direction}
		switch j.Direction {
		case protocol.DirSink:
			if q := s.inbound[j.ID]; q != nil && q.held {
				l.Level = q.last.Level()
			}
			if src, ok := patches[j.ID]; ok {
				l.Hue = src.Module.Hue()
			}
		case protocol.DirSource:
			if o := s.outbound[j.ID]; o != nil {
				l.Level = o.block.Level()
			}
			l.Hue = s.self.ID.Hue()
		}
		if gesture {
			l.Color = override
		} else {
			l.Color = hsvHex(l.Hue, min(l.Level*levelGain, 1))
		}
		out = append(out, l)
	}
	return out
}

// hsvHex converts a fully saturated hue and value to an #rrggbb string.
func hsvHex(hue uint16, v float64) string {
	h := float64(hue%360) / 60
	c := v
	x := c * (1 - math.Abs(math.Mod(h, 2)-1))
	var r, g, b float64
	switch int(h) {
	case 0:
		r, g = c, x
	case 1:
		r, g = x, c
	case 2:
		g, b = c, x
	case 3:
		g, b = x, c
	case 4:
		r, b = x, c
	default:
		r, b = c, x
	}
	return fmt.Sprintf("#%02x%02x%02x", to8(r), to8(g), to8(b))
}

func to8(f float64) uint8 {
	return uint8(math.Round(f * 255))
}
