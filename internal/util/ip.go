package util

import "net"

// getLocalIP returns the machine's first non-loopback IPv4 address, or
// loopback when no interface reports one.
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return ipNet.IP.String()
	}
	return "127.0.0.1"
}

// ResolveHost turns a bind address into something printable in a URL.
// 0.0.0.0 maps to the machine's own IPv4 so the printed endpoint is
// reachable from other hosts; names resolve to their first address;
// anything unresolvable passes through untouched.
func ResolveHost(host string) string {
	switch host {
	case "", "localhost":
		return "localhost"
	case "0.0.0.0":
		return getLocalIP()
	}
	if net.ParseIP(host) != nil {
		return host
	}
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return host
	}
	return ips[0]
}
