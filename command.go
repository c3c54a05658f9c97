package vlessd

// Version is the request version emitted by MarshalBinary. DecodeHeader and
// ReadHeader accept any version byte.
const Version uint8 = 0

// Command is the tunneling command requested by the client.
type Command uint8

const (
	CommandTCP Command = 1 // connect
	CommandUDP Command = 2 // associate
)

// String returns the string representation of Command.
func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "TCP"
	case CommandUDP:
		return "UDP"
	default:
		return "InvalidCommand"
	}
}

// IsValid returns true if the Command is one of the supported commands.
func (c Command) IsValid() bool {
	return c == CommandTCP || c == CommandUDP
}

// AddressType discriminates the textual representation used by the
// address field of a request header.
type AddressType uint8

const (
	AddressIPv4   AddressType = 1
	AddressDomain AddressType = 2
	AddressIPv6   AddressType = 3
)

// String returns the string representation of AddressType.
func (at AddressType) String() string {
	switch at {
	case AddressIPv4:
		return "IPv4"
	case AddressDomain:
		return "Domain"
	case AddressIPv6:
		return "IPv6"
	default:
		return "InvalidAddressType"
	}
}

// IsValid returns true if the AddressType is within valid range.
func (at AddressType) IsValid() bool {
	return at == AddressIPv4 || at == AddressDomain || at == AddressIPv6
}
