package backend

import (
	"net/netip"
	"testing"

	"github.com/danmuck/patchnet/internal/testutil/testlog"
)

func TestValidGroup(t *testing.T) {
	testlog.Start(t)
	if !ValidGroup(netip.MustParseAddr("239.0.0.1")) {
		t.Fatalf("expected multicast group to be valid")
	}
	for _, raw := range []string{"10.0.0.1", "ff02::1", "255.255.255.255"} {
		if ValidGroup(netip.MustParseAddr(raw)) {
			t.Fatalf("%s should not be a valid group", raw)
		}
	}
	if LinkUp.String() != "up" || LinkDown.String() != "down" {
		t.Fatalf("unexpected link state strings")
	}
}
