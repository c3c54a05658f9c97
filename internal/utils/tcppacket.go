package utils

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ParseTCPPacket parses a raw TCP segment (as delivered by an ip4:tcp or
// ip6:tcp socket) into its header and payload.
func ParseTCPPacket(buf []byte) (*layers.TCP, error) {
	var tcp *layers.TCP = &layers.TCP{}
	err := tcp.DecodeFromBytes(buf, gopacket.NilDecodeFeedback)
	if err != nil {
		return nil, err
	}
	return tcp, nil
}
