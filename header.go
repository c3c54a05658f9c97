package vlessd

import (
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

// MinHeaderSize is the minimum buffer length accepted by DecodeHeader:
// version (1) + identifier (16) + addon length (1) + command (1) +
// port (2) + address type (1), with the smallest fixed fields and before
// any address bytes.
const MinHeaderSize = 24

var (
	ErrBufferTooSmall      = errors.New("buffer too small")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidCommandIndex = errors.New("invalid command index")
	ErrUnsupportedCommand  = errors.New("unsupported command")
	ErrMissingPort         = errors.New("missing port")
	ErrMissingAddressType  = errors.New("missing address type")
	ErrInvalidAddressType  = errors.New("invalid address type")
	ErrIPv4BytesMissing    = errors.New("ipv4 missing bytes")
	ErrDomainLengthMissing = errors.New("domain length missing")
	ErrDomainBytesMissing  = errors.New("domain bytes missing")
	ErrDomainNotUTF8       = errors.New("domain utf8 error")
	ErrIPv6BytesMissing    = errors.New("ipv6 missing bytes")
)

// Header is the decoded form of a request header. It is constructed only by
// a fully successful decode; a failed decode produces no Header at all.
type Header struct {
	raw    []byte
	addons []byte

	Identifier  string      `json:"identifier"`  // canonical hyphenated lowercase hex, 8-4-4-4-12
	Command     Command     `json:"command"`     // TCP(1) or UDP(2)
	AddressKind AddressType `json:"addressKind"` // selects the Address representation
	Address     string      `json:"address"`     // dotted decimal / UTF-8 domain / colon-hex groups
	Port        uint16      `json:"port"`        // big-endian on the wire
}

// Raw returns the header bytes consumed from the wire. It is empty for
// headers that were not produced by DecodeHeader or ReadHeader.
func (h *Header) Raw() []byte {
	return h.raw
}

// Addons returns the raw bytes of the skipped addon block. The block is
// never interpreted; it is retained only so that callers interested in a
// future addon mechanism can still see it.
func (h *Header) Addons() []byte {
	return h.addons
}

// DecodeHeader decodes the request header at the beginning of p into a
// Header. Bytes following the address field (the payload stream) are left
// untouched and remain the caller's to process.
//
// Every failure is one of the package-level sentinel errors, matchable with
// errors.Is. DecodeHeader never reads beyond p and keeps no reference to it.
func DecodeHeader(p []byte) (*Header, error) {
	if len(p) < MinHeaderSize {
		return nil, ErrBufferTooSmall
	}

	hdr := &Header{}
	s := cryptobyte.String(p)

	// version byte is accepted as-is, whatever its value
	if !s.Skip(1) {
		return nil, ErrBufferTooSmall
	}

	var id []byte
	if !s.ReadBytes(&id, 16) {
		return nil, ErrBufferTooSmall
	}
	identifier, err := uuid.FromBytes(id)
	if err != nil {
		return nil, ErrBufferTooSmall // unreachable, FromBytes only rejects len != 16
	}
	hdr.Identifier = identifier.String()

	var addonLen uint8
	if !s.ReadUint8(&addonLen) {
		return nil, ErrInvalidPayload
	}

	// the addon block is skipped, not interpreted
	if !s.ReadBytes(&hdr.addons, int(addonLen)) {
		return nil, ErrInvalidCommandIndex
	}

	var command uint8
	if !s.ReadUint8(&command) {
		return nil, ErrInvalidCommandIndex
	}
	hdr.Command = Command(command)
	if !hdr.Command.IsValid() {
		return nil, ErrUnsupportedCommand
	}

	if !s.ReadUint16(&hdr.Port) {
		return nil, ErrMissingPort
	}

	var addressType uint8
	if !s.ReadUint8(&addressType) {
		return nil, ErrMissingAddressType
	}
	hdr.AddressKind = AddressType(addressType)

	switch hdr.AddressKind {
	case AddressIPv4:
		var ip []byte
		if !s.ReadBytes(&ip, 4) {
			return nil, ErrIPv4BytesMissing
		}
		hdr.Address = renderIPv4(ip)
	case AddressDomain:
		var domainLen uint8
		if !s.ReadUint8(&domainLen) {
			return nil, ErrDomainLengthMissing
		}
		var domain []byte
		if !s.ReadBytes(&domain, int(domainLen)) {
			return nil, ErrDomainBytesMissing
		}
		if !utf8.Valid(domain) {
			return nil, ErrDomainNotUTF8
		}
		hdr.Address = string(domain)
	case AddressIPv6:
		var ip []byte
		if !s.ReadBytes(&ip, 16) {
			return nil, ErrIPv6BytesMissing
		}
		hdr.Address = renderIPv6(ip)
	default:
		return nil, ErrInvalidAddressType
	}

	hdr.raw = append([]byte{}, p[:len(p)-len(s)]...)
	hdr.addons = append([]byte{}, hdr.addons...)

	return hdr, nil
}

// ReadHeader reads exactly one request header from r and decodes it,
// consuming nothing past the address field. All bytes read are retained in
// the returned Header's Raw() so that the caller may rewind the stream.
//
// Failure kinds are the same sentinels DecodeHeader uses: a short read at a
// field boundary maps to that field's error. It will return an error if r
// does not give a stream of bytes representing a valid header, but the
// returned Header is non-nil even then and Raw() still holds every byte
// consumed, so the caller may put a stream that never was a frame back
// together.
func ReadHeader(r io.Reader) (*Header, error) {
	hdr := &Header{}

	// version + identifier + addon length
	prefix, err := readChunk(r, hdr, 18)
	if err != nil {
		return hdr, ErrBufferTooSmall
	}

	identifier, err := uuid.FromBytes(prefix[1:17])
	if err != nil {
		return hdr, ErrBufferTooSmall // unreachable, FromBytes only rejects len != 16
	}
	hdr.Identifier = identifier.String()

	if hdr.addons, err = readChunk(r, hdr, int(prefix[17])); err != nil {
		return hdr, ErrInvalidCommandIndex
	}

	command, err := readChunk(r, hdr, 1)
	if err != nil {
		return hdr, ErrInvalidCommandIndex
	}
	hdr.Command = Command(command[0])
	if !hdr.Command.IsValid() {
		return hdr, ErrUnsupportedCommand
	}

	port, err := readChunk(r, hdr, 2)
	if err != nil {
		return hdr, ErrMissingPort
	}
	hdr.Port = binary.BigEndian.Uint16(port)

	addressType, err := readChunk(r, hdr, 1)
	if err != nil {
		return hdr, ErrMissingAddressType
	}
	hdr.AddressKind = AddressType(addressType[0])

	switch hdr.AddressKind {
	case AddressIPv4:
		ip, err := readChunk(r, hdr, 4)
		if err != nil {
			return hdr, ErrIPv4BytesMissing
		}
		hdr.Address = renderIPv4(ip)
	case AddressDomain:
		domainLen, err := readChunk(r, hdr, 1)
		if err != nil {
			return hdr, ErrDomainLengthMissing
		}
		domain, err := readChunk(r, hdr, int(domainLen[0]))
		if err != nil {
			return hdr, ErrDomainBytesMissing
		}
		if !utf8.Valid(domain) {
			return hdr, ErrDomainNotUTF8
		}
		hdr.Address = string(domain)
	case AddressIPv6:
		ip, err := readChunk(r, hdr, 16)
		if err != nil {
			return hdr, ErrIPv6BytesMissing
		}
		hdr.Address = renderIPv6(ip)
	default:
		return hdr, ErrInvalidAddressType
	}

	return hdr, nil
}

// readChunk reads exactly n bytes from r and appends them to hdr.raw.
// Partially read bytes are appended even on failure so that hdr.raw always
// reflects everything consumed from r.
func readChunk(r io.Reader, hdr *Header, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	hdr.raw = append(hdr.raw, buf[:read]...)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// renderIPv4 renders 4 bytes as dotted decimal octets.
func renderIPv4(ip []byte) string {
	parts := make([]string, len(ip))
	for i, b := range ip {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ".")
}

// renderIPv6 renders 16 bytes as eight lowercase hex groups joined with
// colons. Groups carry no leading zeros and no "::" compression is applied,
// so 16 zero bytes render as "0:0:0:0:0:0:0:0".
func renderIPv6(ip []byte) string {
	parts := make([]string, 0, 8)
	for i := 0; i+1 < len(ip); i += 2 {
		parts = append(parts, strconv.FormatUint(uint64(binary.BigEndian.Uint16(ip[i:i+2])), 16))
	}
	return strings.Join(parts, ":")
}
