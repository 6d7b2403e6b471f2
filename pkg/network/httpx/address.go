package httpx

import (
	"net"
	"strconv"
)

// mergeAddresses joins the host of the requested address with the
// port the listener actually bound, so a rolled port shows up in the
// server's advertised address.
func mergeAddresses(address string, l Listener) string {
	addr, _, err := net.SplitHostPort(address)
	if err != nil {
		addr = address
	}
	if addr == "" {
		addr = "localhost"
	}

	port := l.GetPort()
	if port > 0 && port != 80 && port != 443 {
		addr += ":" + strconv.Itoa(port)
	}
	return addr
}
