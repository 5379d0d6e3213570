package util

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// BindIface picks a source address on ifaceName for probing, preferring
// global addresses over link-local ones.
func BindIface(ifaceName string, ipv6 bool) (addr string, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return "", errors.Wrapf(err, "lookup interface %s", ifaceName)
	}
	if !IsUp(iface) {
		return "", errors.Errorf("interface %s is down", ifaceName)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", errors.Wrapf(err, "list addresses of %s", ifaceName)
	}

	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil {
			continue
		}
		if ipv6 != IsIPv6(ip.String()) {
			continue
		}
		addr = ip.String()
		if ip.IsLinkLocalUnicast() { // Prefer global addresses
			continue
		}
		break
	}
	if addr == "" {
		return "", errors.Errorf("interface %s has no usable addresses", ifaceName)
	}

	return addr, nil
}

func IsIPv6(address string) bool {
	return strings.Count(address, ":") >= 2
}

func IsUp(nif *net.Interface) bool { return nif.Flags&net.FlagUp != 0 }
