package runtime

import (
	"strconv"
	"strings"
)

// LinkInfo is one parsed line of `ip -o link show`.
type LinkInfo struct {
	Index int
	Name  string
	MAC   string
	Flags []string
	State string // operstate: UP, DOWN, UNKNOWN, LOWERLAYERDOWN, ...
}

// AdminUp reports the IFF_UP flag.
func (l LinkInfo) AdminUp() bool {
	for _, f := range l.Flags {
		if f == "UP" {
			return true
		}
	}
	return false
}

// CarrierUp reports LOWER_UP, i.e. the link has carrier.
func (l LinkInfo) CarrierUp() bool {
	for _, f := range l.Flags {
		if f == "LOWER_UP" {
			return true
		}
	}
	return false
}

// ParseLinkList parses `ip -o link show` output. Peer-index suffixes
// ("eth0@if42") are stripped from names.
func ParseLinkList(output string) []LinkInfo {
	var links []LinkInfo
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":"))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}
		l := LinkInfo{Index: idx, Name: name}
		for i := 2; i < len(fields); i++ {
			f := fields[i]
			switch {
			case strings.HasPrefix(f, "<") && strings.HasSuffix(f, ">"):
				l.Flags = strings.Split(strings.Trim(f, "<>"), ",")
			case f == "state" && i+1 < len(fields):
				l.State = fields[i+1]
			case (f == "link/ether" || f == "link/gre" || f == "link/loopback") && i+1 < len(fields):
				l.MAC = fields[i+1]
			}
		}
		links = append(links, l)
	}
	return links
}

// AddrInfo is one parsed line of `ip -o -4 addr show`.
type AddrInfo struct {
	Iface string
	CIDR  string // address/prefix as printed, e.g. 10.1.0.2/24
}

// IP returns the bare address without the prefix length.
func (a AddrInfo) IP() string {
	if i := strings.Index(a.CIDR, "/"); i >= 0 {
		return a.CIDR[:i]
	}
	return a.CIDR
}

// ParseAddrList parses `ip -o -4 addr show` output.
func ParseAddrList(output string) []AddrInfo {
	var addrs []AddrInfo
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "inet" && len(fields) >= 2 {
				name := strings.TrimSuffix(fields[1], ":")
				if at := strings.Index(name, "@"); at >= 0 {
					name = name[:at]
				}
				addrs = append(addrs, AddrInfo{Iface: name, CIDR: fields[i+1]})
				break
			}
		}
	}
	return addrs
}

// ParseTunnelEndpoints extracts "local" and "remote" addresses from
// `ip -d link show` output of a tunnel interface.
func ParseTunnelEndpoints(output string) (local, remote string, ok bool) {
	fields := strings.Fields(output)
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "local":
			local = fields[i+1]
		case "remote":
			remote = fields[i+1]
		}
	}
	return local, remote, local != "" && remote != ""
}
