package vlessd

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MarshalBinary serializes the Header back into its wire form: version,
// identifier, addon block, command, port, address type, address. Headers
// built by hand carry an empty addon block; headers produced by a decode
// re-emit the addon bytes that were skipped.
//
// The address must be in the canonical form DecodeHeader produces for its
// kind; in particular IPv6 addresses are eight uncompressed hex groups.
func (h *Header) MarshalBinary() ([]byte, error) {
	identifier, err := uuid.Parse(h.Identifier)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier: %w", err)
	}
	if !h.Command.IsValid() {
		return nil, ErrUnsupportedCommand
	}
	if len(h.addons) > 255 {
		return nil, fmt.Errorf("addon block too long: %d bytes", len(h.addons))
	}

	address, err := h.appendAddress(nil)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 22+len(h.addons)+len(address))
	buf = append(buf, Version)
	buf = append(buf, identifier[:]...)
	buf = append(buf, uint8(len(h.addons)))
	buf = append(buf, h.addons...)
	buf = append(buf, uint8(h.Command))
	buf = binary.BigEndian.AppendUint16(buf, h.Port)
	buf = append(buf, uint8(h.AddressKind))
	buf = append(buf, address...)

	return buf, nil
}

func (h *Header) appendAddress(buf []byte) ([]byte, error) {
	switch h.AddressKind {
	case AddressIPv4:
		parts := strings.Split(h.Address, ".")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid ipv4 address: %q", h.Address)
		}
		for _, part := range parts {
			octet, err := strconv.ParseUint(part, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid ipv4 octet %q: %w", part, err)
			}
			buf = append(buf, uint8(octet))
		}
	case AddressDomain:
		if len(h.Address) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(h.Address))
		}
		buf = append(buf, uint8(len(h.Address)))
		buf = append(buf, h.Address...)
	case AddressIPv6:
		parts := strings.Split(h.Address, ":")
		if len(parts) != 8 {
			return nil, fmt.Errorf("invalid ipv6 address: %q", h.Address)
		}
		for _, part := range parts {
			group, err := strconv.ParseUint(part, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid ipv6 group %q: %w", part, err)
			}
			buf = binary.BigEndian.AppendUint16(buf, uint16(group))
		}
	default:
		return nil, ErrInvalidAddressType
	}
	return buf, nil
}
