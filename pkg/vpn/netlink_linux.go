//go:build linux

package vpn

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

type netlinkChecker struct{}

func (netlinkChecker) LinkPresent(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return link.Attrs().OperState != netlink.OperDown, nil
}

// DefaultRoute returns the IPv4 default gateway and the device it leaves through.
// The gateway is empty for point-to-point links such as ppp0.
func DefaultRoute() (gw, dev string, err error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", "", err
	}
	lastErr := errors.New("no default route")
	for _, h := range defaultHops(routes) {
		link, err := netlink.LinkByIndex(h.link)
		if err != nil {
			lastErr = fmt.Errorf("default route via link %d: %w", h.link, err)
			continue
		}
		if h.gw != nil {
			gw = h.gw.String()
		}
		return gw, link.Attrs().Name, nil
	}
	return "", "", lastErr
}

type hop struct {
	gw   net.IP
	link int
}

// defaultHops lists the next hops of true default routes in table order.
// Split defaults such as 0.0.0.0/1 are not default routes. A multipath
// route contributes its nexthops; hops without a link are dropped.
func defaultHops(routes []netlink.Route) []hop {
	var hops []hop
	for _, r := range routes {
		if !isDefaultDst(r.Dst) {
			continue
		}
		if r.LinkIndex > 0 {
			hops = append(hops, hop{gw: r.Gw, link: r.LinkIndex})
			continue
		}
		for _, nh := range r.MultiPath {
			if nh != nil && nh.LinkIndex > 0 {
				hops = append(hops, hop{gw: nh.Gw, link: nh.LinkIndex})
			}
		}
	}
	return hops
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}
