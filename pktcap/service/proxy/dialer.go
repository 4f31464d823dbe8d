package proxy

import "net"

const dnsPort = "53"

// resolverAddress picks the name server for a query the resolver addressed to
// address: server when set (port 53 unless given), address otherwise.
func resolverAddress(server, address string) string {
	if server == "" {
		return address
	} else if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, dnsPort)
}
