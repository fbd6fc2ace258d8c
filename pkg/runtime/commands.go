package runtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Command builders for in-container network configuration. Commands are
// argument lists, never interpolated shell strings, so they can be asserted
// on in tests and carry no quoting risk.

// LinkDel removes an interface. Failure is expected when the interface does
// not exist yet.
func LinkDel(name string) []string {
	return []string{"ip", "link", "del", name}
}

// GRETunnelAdd builds the tunnel creation command. key=0 omits the key.
func GRETunnelAdd(name, local, remote string, key uint32, ttl int) []string {
	cmd := []string{"ip", "tunnel", "add", name, "mode", "gre", "local", local, "remote", remote}
	if key != 0 {
		cmd = append(cmd, "key", strconv.FormatUint(uint64(key), 10))
	}
	if ttl > 0 {
		cmd = append(cmd, "ttl", strconv.Itoa(ttl))
	}
	return cmd
}

// AddrAdd assigns an address. "File exists" from the kernel is a success for
// callers (see AddrAlreadyExists).
func AddrAdd(cidr, dev string) []string {
	return []string{"ip", "addr", "add", cidr, "dev", dev}
}

// LinkUp brings an interface administratively up.
func LinkUp(name string) []string {
	return []string{"ip", "link", "set", name, "up"}
}

// LinkShowDetail prints one interface with tunnel parameters.
func LinkShowDetail(name string) []string {
	return []string{"ip", "-d", "link", "show", name}
}

// LinkList prints every interface in single-line format.
func LinkList() []string {
	return []string{"ip", "-o", "link", "show"}
}

// AddrList prints every IPv4 address in single-line format.
func AddrList() []string {
	return []string{"ip", "-o", "-4", "addr", "show"}
}

// RouteGet resolves the route towards an address.
func RouteGet(ip string) []string {
	return []string{"ip", "route", "get", ip}
}

// Ping probes reachability with a single bounded-wait echo.
func Ping(ip string) []string {
	return []string{"ping", "-c", "1", "-W", "2", ip}
}

// XfrmStateAdd installs one direction of an IPsec transport state.
func XfrmStateAdd(src, dst string, spi uint32, cipher, key string) []string {
	if cipher == "" {
		cipher = "rfc3686(ctr(aes))"
	}
	return []string{
		"ip", "xfrm", "state", "add",
		"src", src, "dst", dst,
		"proto", "esp", "spi", fmt.Sprintf("0x%x", spi), "mode", "transport",
		"enc", cipher, key,
	}
}

// XfrmPolicyAdd installs one direction of the matching policy.
func XfrmPolicyAdd(src, dst, dir string, spi uint32) []string {
	return []string{
		"ip", "xfrm", "policy", "add",
		"src", src, "dst", dst,
		"dir", dir,
		"tmpl", "src", src, "dst", dst,
		"proto", "esp", "spi", fmt.Sprintf("0x%x", spi), "mode", "transport",
	}
}

// AddrAlreadyExists matches the kernel's duplicate-address failure, which
// reconcilers normalize to success.
func AddrAlreadyExists(res ExecResult) bool {
	return strings.Contains(res.Output, "File exists") ||
		strings.Contains(res.Output, "RTNETLINK answers: File exists") ||
		strings.Contains(res.Output, "Address already assigned")
}

// XfrmAlreadyExists matches duplicate state/policy failures.
func XfrmAlreadyExists(res ExecResult) bool {
	return strings.Contains(res.Output, "File exists") ||
		strings.Contains(res.Output, "RTNETLINK answers: File exists")
}
