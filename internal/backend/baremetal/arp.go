package baremetal

import "net/netip"

const ARPCacheSize = 8

type arpState uint8

const (
	arpFree arpState = iota
	arpPending
	arpResolved
)

type arpEntry struct {
	ip       netip.Addr
	mac      MAC
	state    arpState
	attempts int
	nextTry  uint64
	updated  uint64
}

// arpCache is a fixed table. When full, the least recently updated entry
// is reused.
type arpCache struct {
	entries [ARPCacheSize]arpEntry
}

func (c *arpCache) lookup(ip netip.Addr) *arpEntry {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != arpFree && e.ip == ip {
			return e
		}
	}
	return nil
}

func (c *arpCache) slot(ip netip.Addr, cycle uint64) *arpEntry {
	if e := c.lookup(ip); e != nil {
		return e
	}
	victim := &c.entries[0]
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == arpFree {
			victim = e
			break
		}
		if e.updated < victim.updated {
			victim = e
		}
	}
	*victim = arpEntry{ip: ip, state: arpPending, nextTry: cycle, updated: cycle}
	return victim
}

// learn records a mapping. Unknown senders are only cached when create is
// set, which keeps unsolicited traffic from churning the table.
func (c *arpCache) learn(ip netip.Addr, mac MAC, cycle uint64, create bool) {
	e := c.lookup(ip)
	if e == nil {
		if !create {
			return
		}
		e = c.slot(ip, cycle)
	}
	e.mac = mac
	e.state = arpResolved
	e.attempts = 0
	e.updated = cycle
}

func (c *arpCache) expire(cycle, ttl uint64) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == arpResolved && ttl > 0 && cycle-e.updated > ttl {
			*e = arpEntry{}
		}
	}
}

func (c *arpCache) reset() {
	c.entries = [ARPCacheSize]arpEntry{}
}
