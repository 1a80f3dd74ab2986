// Package proxyproto decodes PROXY protocol version 2 headers.
//
// The header is binary: a 12 byte signature, a version/command byte, an
// address family/transport byte, a 2 byte big-endian payload length and the
// payload itself. Only PROXY commands over IPv4 or IPv6 are accepted.
package proxyproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Signature prefixes every version 2 header.
var Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// HeaderLen is the length of the fixed part of the header.
const HeaderLen = 16

const (
	version2 = 0x2

	commandLocal = 0x0
	commandProxy = 0x1

	familyUnspec = 0x0
	familyInet   = 0x1
	familyInet6  = 0x2
	familyUnix   = 0x3

	transportUnspec = 0x0
	transportStream = 0x1
	transportDgram  = 0x2

	inetAddrLen  = 4 + 4 + 2 + 2
	inet6AddrLen = 16 + 16 + 2 + 2
)

// Decode errors. Every one of them means the connection must be dropped.
var (
	ErrNoSignature          = errors.New("proxyproto: missing v2 signature")
	ErrTruncated            = errors.New("proxyproto: truncated header")
	ErrUnsupportedVersion   = errors.New("proxyproto: unsupported version")
	ErrLocalCommand         = errors.New("proxyproto: LOCAL command (health check)")
	ErrUnsupportedCommand   = errors.New("proxyproto: unsupported command")
	ErrUnspecifiedFamily    = errors.New("proxyproto: unspecified address family")
	ErrUnixNotSupported     = errors.New("proxyproto: unix socket addresses not supported")
	ErrUnknownFamily        = errors.New("proxyproto: unknown address family")
	ErrUnspecifiedTransport = errors.New("proxyproto: unspecified transport protocol")
	ErrUnknownTransport     = errors.New("proxyproto: unknown transport protocol")
	ErrInvalidLength        = errors.New("proxyproto: payload too short for address family")
)

// Transport is the transport protocol of the proxied connection.
type Transport byte

const (
	Stream   Transport = transportStream
	Datagram Transport = transportDgram
)

func (t Transport) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	default:
		return fmt.Sprintf("transport(%d)", byte(t))
	}
}

// Header is a decoded PROXY header.
type Header struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Transport   Transport
}

// Decode parses the header at the start of chunk. It returns the header and
// the bytes of chunk that follow it; the remainder aliases chunk.
func Decode(chunk []byte) (*Header, []byte, error) {
	if len(chunk) < len(Signature) || !bytes.Equal(chunk[:len(Signature)], Signature) {
		return nil, nil, ErrNoSignature
	}
	if len(chunk) < HeaderLen {
		return nil, nil, ErrTruncated
	}

	verCmd := chunk[12]
	if verCmd>>4 != version2 {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, verCmd>>4)
	}
	switch verCmd & 0x0F {
	case commandProxy:
	case commandLocal:
		return nil, nil, ErrLocalCommand
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedCommand, verCmd&0x0F)
	}

	famProto := chunk[13]
	family, transport := famProto>>4, famProto&0x0F

	var addrLen int
	switch family {
	case familyInet:
		addrLen = inetAddrLen
	case familyInet6:
		addrLen = inet6AddrLen
	case familyUnspec:
		return nil, nil, ErrUnspecifiedFamily
	case familyUnix:
		return nil, nil, ErrUnixNotSupported
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownFamily, family)
	}

	switch transport {
	case transportStream, transportDgram:
	case transportUnspec:
		return nil, nil, ErrUnspecifiedTransport
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownTransport, transport)
	}

	payloadLen := int(binary.BigEndian.Uint16(chunk[14:16]))
	if payloadLen < addrLen {
		return nil, nil, ErrInvalidLength
	}
	total := HeaderLen + payloadLen
	if len(chunk) < total {
		return nil, nil, ErrTruncated
	}

	payload := chunk[HeaderLen:total]
	h := &Header{Transport: Transport(transport)}
	if family == familyInet {
		src := netip.AddrFrom4([4]byte(payload[0:4]))
		dst := netip.AddrFrom4([4]byte(payload[4:8]))
		h.Source = netip.AddrPortFrom(src, binary.BigEndian.Uint16(payload[8:10]))
		h.Destination = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(payload[10:12]))
	} else {
		src := netip.AddrFrom16([16]byte(payload[0:16]))
		dst := netip.AddrFrom16([16]byte(payload[16:32]))
		h.Source = netip.AddrPortFrom(src, binary.BigEndian.Uint16(payload[32:34]))
		h.Destination = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(payload[34:36]))
	}

	// Anything past the address block inside payloadLen is TLV data we do not use.
	return h, chunk[total:], nil
}

// Encode builds a v2 PROXY header for the given addresses. Both addresses must
// be of the same family.
func Encode(src, dst netip.AddrPort, t Transport) ([]byte, error) {
	if src.Addr().Is4() != dst.Addr().Is4() {
		return nil, errors.New("proxyproto: mixed address families")
	}

	buf := make([]byte, 0, HeaderLen+inet6AddrLen)
	buf = append(buf, Signature...)
	buf = append(buf, version2<<4|commandProxy)

	if src.Addr().Is4() {
		buf = append(buf, familyInet<<4|byte(t))
		buf = binary.BigEndian.AppendUint16(buf, inetAddrLen)
		s, d := src.Addr().As4(), dst.Addr().As4()
		buf = append(buf, s[:]...)
		buf = append(buf, d[:]...)
	} else {
		buf = append(buf, familyInet6<<4|byte(t))
		buf = binary.BigEndian.AppendUint16(buf, inet6AddrLen)
		s, d := src.Addr().As16(), dst.Addr().As16()
		buf = append(buf, s[:]...)
		buf = append(buf, d[:]...)
	}
	buf = binary.BigEndian.AppendUint16(buf, src.Port())
	buf = binary.BigEndian.AppendUint16(buf, dst.Port())
	return buf, nil
}
