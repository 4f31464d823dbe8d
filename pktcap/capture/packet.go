package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolTCP  = "TCP"
	ProtocolUDP  = "UDP"
	ProtocolICMP = "ICMP"
	ProtocolIPv6 = "IPv6"
)

// CapturedPacket is the classified summary of one frame read from the device.
type CapturedPacket struct {
	Protocol        string    `json:"protocol" msgpack:"p"`
	Source          string    `json:"source" msgpack:"s"`
	Destination     string    `json:"destination" msgpack:"d"`
	SourcePort      uint16    `json:"source_port" msgpack:"sp"`
	DestinationPort uint16    `json:"destination_port" msgpack:"dp"`
	Timestamp       time.Time `json:"timestamp" msgpack:"t"`
	Details         string    `json:"details" msgpack:"x"`
	Length          int       `json:"length" msgpack:"l"`
}

// Endpoint formats an address with its port, omitting a zero port.
func Endpoint(addr string, port uint16) string {
	if port == 0 {
		return addr
	}
	if strings.Contains(addr, ":") {
		return "[" + addr + "]:" + strconv.Itoa(int(port))
	}
	return addr + ":" + strconv.Itoa(int(port))
}

func (p CapturedPacket) String() string {
	var b strings.Builder
	b.WriteString(p.Protocol)
	if p.Source != "" || p.Destination != "" {
		b.WriteByte(' ')
		b.WriteString(Endpoint(p.Source, p.SourcePort))
		b.WriteString(" -> ")
		b.WriteString(Endpoint(p.Destination, p.DestinationPort))
	}
	if p.Details != "" {
		b.WriteByte(' ')
		b.WriteString(p.Details)
	}
	_, _ = fmt.Fprintf(&b, " (%d bytes)", p.Length)
	return b.String()
}
