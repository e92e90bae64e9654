package pocore

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// LookupFlags controls address-family preference for Lookup. Spec §6,
// §9 Open Question 1: PREFER_IPV4/PREFER_IPV6 exist in the source but are
// never honored there; this implementation honors them.
type LookupFlags int

const (
	LookupDefault    LookupFlags = 0
	LookupPreferIPv4 LookupFlags = 1 << 0
	LookupPreferIPv6 LookupFlags = 1 << 1
)

// Addr is an opaque, resolved network address: either a raw IPv4/IPv6 +
// port pair (for TCP/UDP) or a filesystem path (for a local/unix-domain
// socket). Spec §4.F "Addressing".
type Addr struct {
	ip   net.IP
	port int
	path string // non-empty for a local socket address
}

// LocalAddr builds an Addr for a Unix domain socket path.
func LocalAddr(path string) Addr { return Addr{path: path} }

// Lookup resolves host and port synchronously, honoring flags, and
// returns every matching address the resolver yields (all families if
// neither PREFER_IPV4 nor PREFER_IPV6 is set).
func Lookup(host string, port int, flags LookupFlags) ([]Addr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, Wrap(CodeAddressLookup, err.Error(), err)
	}

	var out []Addr
	for _, ip := range ips {
		isV4 := ip.To4() != nil
		switch {
		case flags&LookupPreferIPv4 != 0 && !isV4:
			continue
		case flags&LookupPreferIPv6 != 0 && isV4:
			continue
		}
		out = append(out, Addr{ip: ip, port: port})
	}
	if len(out) == 0 {
		return nil, Create(CodeAddressLookup, "no address for %q matched the requested family", host)
	}
	return out, nil
}

// ReadableForm renders a's canonical printable form: "host:port" with the
// host in dotted-quad for IPv4 or in bracketed text form for IPv6, or the
// raw path for a local address.
func (a Addr) ReadableForm() string {
	if a.path != "" {
		return a.path
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(a.port))
}

// IsLocal reports whether a names a Unix domain socket path.
func (a Addr) IsLocal() bool { return a.path != "" }

func (a Addr) sockaddr() (unix.Sockaddr, int, error) {
	if a.path != "" {
		return &unix.SockaddrUnix{Name: a.path}, unix.AF_UNIX, nil
	}
	if v4 := a.ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: a.port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	if v6 := a.ip.To16(); v6 != nil {
		sa := &unix.SockaddrInet6{Port: a.port}
		copy(sa.Addr[:], v6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, Create(CodeBadParam, "address has neither an IP nor a path")
}
