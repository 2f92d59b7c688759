package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Decode failures. All of them are fatal to the session framing; the owner
// should report and tear the session down.
var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrUnknownType     = errors.New("unknown PDU type")
	ErrBadField        = errors.New("field out of range")
)

// Decoder is an incremental parser for a stream of PDUs. Feed it bytes as
// they arrive, then call Next until it reports that more data is needed.
// The decoder never consumes past the end of the PDU it is parsing, so a
// buffer holding several concatenated PDUs yields all of them in order.
type Decoder struct {
	buf []byte
}

// Feed appends newly arrived bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the bytes accumulated but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Needed reports how many more bytes must arrive before Next can yield the
// PDU currently on the wire. It returns at least 1 when the buffer holds an
// incomplete PDU and 0 when a full PDU (or a framing error) is ready.
func (d *Decoder) Needed() int {
	need, _, err := d.expect()
	if err != nil {
		return 0
	}
	return need
}

// expect inspects the buffer and works out how large the pending PDU is.
// Phase one reads the two-byte common header, phase two the type-specific
// remainder; the Error Report adds a third phase for its two length fields.
func (d *Decoder) expect() (need, total int, err error) {
	if len(d.buf) < headPDULength {
		return headPDULength - len(d.buf), 0, nil
	}
	if d.buf[0] != Version {
		return 0, 0, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, d.buf[0], Version)
	}
	switch PDUType(d.buf[1]) {
	case SerialNotify, SerialQuery, EndOfData:
		total = serialPDULength
	case ResetQuery, CacheResponse, CacheReset:
		total = emptyPDULength
	case Ipv4Prefix:
		total = ipv4PrefixLength
	case Ipv6Prefix:
		total = ipv6PrefixLength
	case ErrorReport:
		if len(d.buf) < errorHeadLength {
			return errorHeadLength - len(d.buf), 0, nil
		}
		pduLen := int(binary.BigEndian.Uint16(d.buf[4:6]))
		msgLen := int(binary.BigEndian.Uint16(d.buf[6:8]))
		total = errorHeadLength + pduLen + msgLen
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownType, d.buf[1])
	}
	if len(d.buf) < total {
		return total - len(d.buf), 0, nil
	}
	return 0, total, nil
}

// Next yields the next complete PDU from the buffer, or (nil, nil) when more
// bytes are needed. Any error leaves the framing indeterminate.
func (d *Decoder) Next() (PDU, error) {
	need, total, err := d.expect()
	if err != nil {
		return nil, err
	}
	if need > 0 {
		return nil, nil
	}
	b := d.buf[:total]
	pdu, err := parse(b)
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[total:]
	return pdu, nil
}

func parse(b []byte) (PDU, error) {
	t := PDUType(b[1])
	switch t {
	case SerialNotify, SerialQuery, EndOfData:
		if zero := binary.BigEndian.Uint16(b[2:4]); zero != 0 {
			return nil, fmt.Errorf("%w: reserved field %d in %s", ErrBadField, zero, t)
		}
		serial := binary.BigEndian.Uint32(b[4:8])
		switch t {
		case SerialNotify:
			return NewSerialNotifyPDU(serial), nil
		case SerialQuery:
			return NewSerialQueryPDU(serial), nil
		default:
			return NewEndOfDataPDU(serial), nil
		}

	case ResetQuery, CacheResponse, CacheReset:
		if zero := binary.BigEndian.Uint16(b[2:4]); zero != 0 {
			return nil, fmt.Errorf("%w: reserved field %d in %s", ErrBadField, zero, t)
		}
		switch t {
		case ResetQuery:
			return NewResetQueryPDU(), nil
		case CacheResponse:
			return NewCacheResponsePDU(), nil
		default:
			return NewCacheResetPDU(), nil
		}

	case Ipv4Prefix, Ipv6Prefix:
		if b[7] != sourceRPKI {
			return nil, fmt.Errorf("%w: source %d in %s", ErrBadField, b[7], t)
		}
		p := &PrefixPDU{
			Color:     binary.BigEndian.Uint16(b[2:4]),
			Announce:  b[4],
			PrefixLen: b[5],
			MaxLen:    b[6],
		}
		if t == Ipv4Prefix {
			p.Addr = netip.AddrFrom4([4]byte(b[8:12]))
			p.ASN = binary.BigEndian.Uint32(b[12:16])
		} else {
			p.Addr = netip.AddrFrom16([16]byte(b[8:24]))
			p.ASN = binary.BigEndian.Uint32(b[24:28])
		}
		if err := p.Check(); err != nil {
			return nil, err
		}
		return p, nil

	case ErrorReport:
		pduLen := int(binary.BigEndian.Uint16(b[4:6]))
		e := &ErrorReportPDU{
			Code: binary.BigEndian.Uint16(b[2:4]),
			Text: string(b[errorHeadLength+pduLen:]),
		}
		if pduLen > 0 {
			e.ErrPDU = append([]byte(nil), b[errorHeadLength:errorHeadLength+pduLen]...)
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[1])
}
