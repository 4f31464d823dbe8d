package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ErrEmptyFrame         = errors.New("empty frame")
	ErrUnsupportedVersion = errors.New("unsupported IP version")
)

// Classify decodes the network and transport headers of a raw IP frame.
// The frame is only read; the returned packet holds no references into it.
func Classify(frame []byte, ts time.Time) (pkt CapturedPacket, err error) {
	if len(frame) == 0 {
		return CapturedPacket{}, ErrEmptyFrame
	}
	defer func() {
		if r := recover(); r != nil {
			pkt, err = CapturedPacket{}, fmt.Errorf("decoding frame: %v", r)
		}
	}()

	switch version := frame[0] >> 4; version {
	case 4:
		return classifyIPv4(frame, ts)
	case 6:
		return classifyIPv6(frame, ts), nil
	default:
		return CapturedPacket{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

func classifyIPv4(frame []byte, ts time.Time) (CapturedPacket, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return CapturedPacket{}, fmt.Errorf("decoding ipv4 header: %w", err)
	}

	pkt := CapturedPacket{
		Protocol:    protocolName(ip.Protocol),
		Source:      ip.SrcIP.String(),
		Destination: ip.DstIP.String(),
		Timestamp:   ts,
		Length:      len(frame),
	}
	if ip.FragOffset != 0 {
		// only the first fragment carries the transport header
		pkt.Details = "Fragment offset: " + strconv.Itoa(int(ip.FragOffset)*8)
		return pkt, nil
	}

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return CapturedPacket{}, fmt.Errorf("decoding tcp header: %w", err)
		}
		pkt.SourcePort = uint16(tcp.SrcPort)
		pkt.DestinationPort = uint16(tcp.DstPort)
		pkt.Details = tcpDetails(&tcp)
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return CapturedPacket{}, fmt.Errorf("decoding udp header: %w", err)
		}
		pkt.SourcePort = uint16(udp.SrcPort)
		pkt.DestinationPort = uint16(udp.DstPort)
		pkt.Details = "Length: " + strconv.Itoa(int(udp.Length)) + " bytes"
	case layers.IPProtocolICMPv4:
		var icmp layers.ICMPv4
		if err := icmp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return CapturedPacket{}, fmt.Errorf("decoding icmp header: %w", err)
		}
		pkt.Details = fmt.Sprintf("Type: %d, Code: %d", icmp.TypeCode.Type(), icmp.TypeCode.Code())
	}
	return pkt, nil
}

func classifyIPv6(frame []byte, ts time.Time) CapturedPacket {
	pkt := CapturedPacket{
		Protocol:  ProtocolIPv6,
		Timestamp: ts,
		Length:    len(frame),
	}
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err == nil {
		pkt.Source = ip.SrcIP.String()
		pkt.Destination = ip.DstIP.String()
		pkt.Details = "Next header: " + ip.NextHeader.String()
	}
	return pkt
}

func protocolName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP:
		return ProtocolTCP
	case layers.IPProtocolUDP:
		return ProtocolUDP
	case layers.IPProtocolICMPv4:
		return ProtocolICMP
	default:
		return "IP protocol: " + strconv.Itoa(int(p))
	}
}

func tcpDetails(tcp *layers.TCP) string {
	flags := make([]string, 0, 4)
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}

	var b strings.Builder
	b.WriteString("Flags: ")
	if len(flags) == 0 {
		b.WriteString("none")
	} else {
		b.WriteString(strings.Join(flags, " "))
	}
	switch tcp.DstPort {
	case 80:
		b.WriteString(" | HTTP")
	case 443:
		b.WriteString(" | HTTPS")
	}
	return b.String()
}
