package rawnet

import (
	"net"
	"net/netip"
	"strconv"
)

// Addr is a socket address in the shape scripts see it.
type Addr struct {
	Address string `json:"address"`
	Family  string `json:"family"`
	Port    int    `json:"port"`
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Address, strconv.Itoa(a.Port))
}

// AddrOf converts a TCP or UDP address. Other kinds yield the zero Addr.
func AddrOf(a net.Addr) Addr {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		return Addr{}
	}
	ip := ap.Addr().Unmap()
	family := "IPv6"
	if ip.Is4() {
		family = "IPv4"
	}
	return Addr{Address: ip.String(), Family: family, Port: int(ap.Port())}
}
