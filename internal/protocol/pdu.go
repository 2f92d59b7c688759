package protocol

import (
	"fmt"
	"io"
	"net/netip"
)

// PDU is one message in version 0 of the rpki-router protocol. Apart from
// the Error Report every PDU has a fixed size determined by its type, so
// there is no length word on the wire.
type PDU interface {
	Type() PDUType
	Bytes() []byte
	Write(w io.Writer) error
}

type SerialNotifyPDU struct {
	/*
		0          8          16         24        31
		.-------------------------------------------.
		| Protocol |   PDU    |                     |
		| Version  |   Type   |         zero        |
		|    0     |    0     |                     |
		+-------------------------------------------+
		|                                           |
		|               Serial Number               |
		|                                           |
		`-------------------------------------------'
	*/
	Serial uint32
}

func NewSerialNotifyPDU(serial uint32) *SerialNotifyPDU {
	return &SerialNotifyPDU{Serial: serial}
}

func (s *SerialNotifyPDU) Type() PDUType { return SerialNotify }

type SerialQueryPDU struct {
	/*
		0          8          16         24        31
		.-------------------------------------------.
		| Protocol |   PDU    |                     |
		| Version  |   Type   |         zero        |
		|    0     |    1     |                     |
		+-------------------------------------------+
		|                                           |
		|               Serial Number               |
		|                                           |
		`-------------------------------------------'
	*/
	Serial uint32
}

func NewSerialQueryPDU(serial uint32) *SerialQueryPDU {
	return &SerialQueryPDU{Serial: serial}
}

func (s *SerialQueryPDU) Type() PDUType { return SerialQuery }

type ResetQueryPDU struct {
	/*
		0          8          16         24        31
		.---------------------------------.
		| Protocol |   PDU    |           |
		| Version  |   Type   |    zero   |
		|    0     |    2     |           |
		`---------------------------------'
	*/
}

func NewResetQueryPDU() *ResetQueryPDU { return &ResetQueryPDU{} }

func (r *ResetQueryPDU) Type() PDUType { return ResetQuery }

type CacheResponsePDU struct {
	/*
		0          8          16         24        31
		.---------------------------------.
		| Protocol |   PDU    |           |
		| Version  |   Type   |    zero   |
		|    0     |    3     |           |
		`---------------------------------'
	*/
}

func NewCacheResponsePDU() *CacheResponsePDU { return &CacheResponsePDU{} }

func (c *CacheResponsePDU) Type() PDUType { return CacheResponse }

type PrefixPDU struct {
	/*
		0          8          16         24        31
		.-------------------------------------------.
		| Protocol |   PDU    |                     |
		| Version  |   Type   |        Color        |
		|    0     |  4 or 6  |                     |
		+-------------------------------------------+
		|          |  Prefix  |   Max    |          |
		| Announce |  Length  |  Length  |  Source  |
		|          |          |          |    0     |
		+-------------------------------------------+
		|                                           |
		~          IPv4 or IPv6 Prefix              ~
		|                                           |
		+-------------------------------------------+
		|                                           |
		|         Autonomous System Number          |
		|                                           |
		`-------------------------------------------'
	*/
	Color     uint16
	Announce  uint8
	PrefixLen uint8
	MaxLen    uint8
	Addr      netip.Addr
	ASN       uint32
}

func NewPrefixPDU(announce uint8, addr netip.Addr, prefixLen, maxLen uint8, asn uint32) *PrefixPDU {
	return &PrefixPDU{
		Announce:  announce,
		PrefixLen: prefixLen,
		MaxLen:    maxLen,
		Addr:      addr,
		ASN:       asn,
	}
}

// Type is Ipv4Prefix or Ipv6Prefix depending on the address family.
func (p *PrefixPDU) Type() PDUType {
	if p.Addr.Is4() {
		return Ipv4Prefix
	}
	return Ipv6Prefix
}

// Check verifies the attributes are within range for the address family.
func (p *PrefixPDU) Check() error {
	bits := uint8(p.Addr.BitLen())
	if p.Announce != Announce && p.Announce != Withdraw {
		return fmt.Errorf("%w: announce flag %d", ErrBadField, p.Announce)
	}
	if p.PrefixLen > bits {
		return fmt.Errorf("%w: prefix length %d exceeds %d", ErrBadField, p.PrefixLen, bits)
	}
	if p.MaxLen < p.PrefixLen || p.MaxLen > bits {
		return fmt.Errorf("%w: max length %d outside %d..%d", ErrBadField, p.MaxLen, p.PrefixLen, bits)
	}
	return nil
}

func (p *PrefixPDU) String() string {
	flag := "-"
	if p.Announce == Announce {
		flag = "+"
	}
	return fmt.Sprintf("%s %8d  %s/%d-%d", flag, p.ASN, p.Addr, p.PrefixLen, p.MaxLen)
}

type EndOfDataPDU struct {
	/*
		0          8          16         24        31
		.-------------------------------------------.
		| Protocol |   PDU    |                     |
		| Version  |   Type   |         zero        |
		|    0     |    7     |                     |
		+-------------------------------------------+
		|                                           |
		|               Serial Number               |
		|                                           |
		`-------------------------------------------'
	*/
	Serial uint32
}

func NewEndOfDataPDU(serial uint32) *EndOfDataPDU {
	return &EndOfDataPDU{Serial: serial}
}

func (e *EndOfDataPDU) Type() PDUType { return EndOfData }

type CacheResetPDU struct {
	/*
		0          8          16         24        31
		.---------------------------------.
		| Protocol |   PDU    |           |
		| Version  |   Type   |    zero   |
		|    0     |    8     |           |
		`---------------------------------'
	*/
}

func NewCacheResetPDU() *CacheResetPDU { return &CacheResetPDU{} }

func (c *CacheResetPDU) Type() PDUType { return CacheReset }

type ErrorReportPDU struct {
	/*
		0          8          16         24        31
		.-------------------------------------------.
		| Protocol |   PDU    |                     |
		| Version  |   Type   |     Error Code      |
		|    0     |    10    |                     |
		+-------------------------------------------+
		|     Length of Encapsulated PDU            |
		|                     +---------------------+
		|                     |  Length of Error    |
		+---------------------+       Text          |
		|                                           |
		~               Erroneous PDU               ~
		|                                           |
		+-------------------------------------------+
		|                                           |
		~      UTF-8 Error Diagnostic Message       ~
		|                                           |
		`-------------------------------------------'
	*/
	Code   uint16
	ErrPDU []byte
	Text   string
}

// NewErrorReportPDU builds an Error Report carrying the offending PDU bytes,
// capped so a hostile peer cannot make us echo an arbitrarily large blob.
func NewErrorReportPDU(code uint16, errPDU []byte, text string) *ErrorReportPDU {
	if len(errPDU) > maxErrPDULength {
		errPDU = errPDU[:maxErrPDULength]
	}
	return &ErrorReportPDU{Code: code, ErrPDU: errPDU, Text: text}
}

func (e *ErrorReportPDU) Type() PDUType { return ErrorReport }

func (e *ErrorReportPDU) String() string {
	return fmt.Sprintf("Error #%d: %s", e.Code, e.Text)
}
