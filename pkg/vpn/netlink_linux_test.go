//go:build linux

package vpn

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func cidr(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestIsDefaultDst(t *testing.T) {
	cases := map[string]bool{
		"0.0.0.0/0":   true,
		"0.0.0.0/1":   false,
		"128.0.0.0/1": false,
		"10.0.0.0/8":  false,
	}
	for s, want := range cases {
		if got := isDefaultDst(cidr(t, s)); got != want {
			t.Errorf("%s: got %v, want %v", s, got, want)
		}
	}
	if !isDefaultDst(nil) {
		t.Error("a route without destination is a default route")
	}
}

func TestDefaultHops(t *testing.T) {
	gw := net.ParseIP("192.168.1.1")
	alt := net.ParseIP("192.168.2.1")
	routes := []netlink.Route{
		{Dst: cidr(t, "0.0.0.0/1"), LinkIndex: 7},
		{Dst: cidr(t, "128.0.0.0/1"), LinkIndex: 7},
		{Dst: cidr(t, "10.0.0.0/8"), LinkIndex: 3},
		{LinkIndex: 0, MultiPath: []*netlink.NexthopInfo{{LinkIndex: 0}, {LinkIndex: 4, Gw: alt}}},
		{Gw: gw, LinkIndex: 2},
	}
	hops := defaultHops(routes)
	if len(hops) != 2 {
		t.Fatalf("expected 2 hops, got %+v", hops)
	}
	if hops[0].link != 4 || !hops[0].gw.Equal(alt) {
		t.Errorf("unexpected multipath hop %+v", hops[0])
	}
	if hops[1].link != 2 || !hops[1].gw.Equal(gw) {
		t.Errorf("unexpected hop %+v", hops[1])
	}

	if hops := defaultHops([]netlink.Route{{Dst: cidr(t, "0.0.0.0/1"), LinkIndex: 7}}); len(hops) != 0 {
		t.Fatalf("split default must not count, got %+v", hops)
	}
}
