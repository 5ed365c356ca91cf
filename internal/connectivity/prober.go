package connectivity

import (
	"context"
	"net"
	"strings"
	"time"
)

// InterfaceProber reports reachability from the host's network interfaces and,
// when ProbeAddr is set, a TCP dial to that address.
type InterfaceProber struct {
	// ProbeAddr is a host:port dialed to confirm outbound reachability.
	ProbeAddr string
	// Interfaces lists interfaces; nil uses net.Interfaces.
	Interfaces func() ([]net.Interface, error)
	// Addrs lists an interface's addresses; nil uses iface.Addrs.
	Addrs func(iface net.Interface) ([]net.Addr, error)
	// Dial opens the probe connection; nil uses a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe implements Prober.
func (p *InterfaceProber) Probe(ctx context.Context) Status {
	now := time.Now()
	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	addrs := p.Addrs
	if addrs == nil {
		addrs = func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	}

	ifaces, err := list()
	if err != nil {
		return Status{Kind: KindNone, Detail: "listing interfaces: " + err.Error(), CheckedAt: now}
	}

	kind := KindNone
	active := ""
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		as, err := addrs(iface)
		if err != nil || !hasRoutableAddr(as) {
			continue
		}
		k := ClassifyInterface(iface.Name)
		if kind == KindNone || rank(k) > rank(kind) {
			kind = k
			active = iface.Name
		}
	}
	if kind == KindNone {
		return Status{Kind: KindNone, Detail: "no active interface", CheckedAt: now}
	}

	if p.ProbeAddr != "" {
		dial := p.Dial
		if dial == nil {
			d := &net.Dialer{}
			dial = d.DialContext
		}
		conn, err := dial(ctx, "tcp", p.ProbeAddr)
		if err != nil {
			return Status{Kind: kind, Detail: "probe " + p.ProbeAddr + " failed: " + err.Error(), CheckedAt: now}
		}
		conn.Close()
	}
	return Status{Reachable: true, Kind: kind, Detail: active, CheckedAt: now}
}

// rank prefers wired over wifi over cellular when several links are up.
func rank(k Kind) int {
	switch k {
	case KindWired:
		return 3
	case KindWiFi:
		return 2
	case KindCellular:
		return 1
	}
	return 0
}

// ClassifyInterface maps an interface name to a connection kind.
func ClassifyInterface(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return KindWiFi
	case strings.HasPrefix(n, "ww"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ppp"),
		strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "ccmni"), strings.HasPrefix(n, "pdp"):
		return KindCellular
	default:
		return KindWired
	}
}

func hasRoutableAddr(addrs []net.Addr) bool {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}
