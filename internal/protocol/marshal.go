package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

func writeFull(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if err != nil {
			return fmt.Errorf("write error after %d bytes (wanted %d): %w", total, len(buf), err)
		}
		if n == 0 {
			return fmt.Errorf("short write: wrote 0 bytes after %d", total)
		}
		total += n
	}
	return nil
}

func serialBytes(t PDUType, serial uint32) []byte {
	buf := make([]byte, serialPDULength)
	buf[0] = Version
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:], 0)
	binary.BigEndian.PutUint32(buf[4:], serial)
	return buf
}

func emptyBytes(t PDUType) []byte {
	buf := make([]byte, emptyPDULength)
	buf[0] = Version
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:], 0)
	return buf
}

func (s *SerialNotifyPDU) Bytes() []byte { return serialBytes(SerialNotify, s.Serial) }

func (s *SerialNotifyPDU) Write(w io.Writer) error {
	if err := writeFull(w, s.Bytes()); err != nil {
		return fmt.Errorf("failed to write SerialNotifyPDU: %w", err)
	}
	return nil
}

func (s *SerialQueryPDU) Bytes() []byte { return serialBytes(SerialQuery, s.Serial) }

func (s *SerialQueryPDU) Write(w io.Writer) error {
	if err := writeFull(w, s.Bytes()); err != nil {
		return fmt.Errorf("failed to write SerialQueryPDU: %w", err)
	}
	return nil
}

func (r *ResetQueryPDU) Bytes() []byte { return emptyBytes(ResetQuery) }

func (r *ResetQueryPDU) Write(w io.Writer) error {
	if err := writeFull(w, r.Bytes()); err != nil {
		return fmt.Errorf("failed to write ResetQueryPDU: %w", err)
	}
	return nil
}

func (c *CacheResponsePDU) Bytes() []byte { return emptyBytes(CacheResponse) }

func (c *CacheResponsePDU) Write(w io.Writer) error {
	if err := writeFull(w, c.Bytes()); err != nil {
		return fmt.Errorf("failed to write CacheResponsePDU: %w", err)
	}
	return nil
}

// Bytes lays out the prefix PDU: 8-byte header, then the address in network
// order, then the AS number. 16 bytes for IPv4, 28 for IPv6.
func (p *PrefixPDU) Bytes() []byte {
	var buf []byte
	if p.Addr.Is4() {
		buf = make([]byte, ipv4PrefixLength)
	} else {
		buf = make([]byte, ipv6PrefixLength)
	}
	buf[0] = Version
	buf[1] = byte(p.Type())
	binary.BigEndian.PutUint16(buf[2:], p.Color)
	buf[4] = p.Announce
	buf[5] = p.PrefixLen
	buf[6] = p.MaxLen
	buf[7] = sourceRPKI
	if p.Addr.Is4() {
		a := p.Addr.As4()
		copy(buf[8:12], a[:])
		binary.BigEndian.PutUint32(buf[12:], p.ASN)
	} else {
		a := p.Addr.As16()
		copy(buf[8:24], a[:])
		binary.BigEndian.PutUint32(buf[24:], p.ASN)
	}
	return buf
}

func (p *PrefixPDU) Write(w io.Writer) error {
	if err := writeFull(w, p.Bytes()); err != nil {
		return fmt.Errorf("failed to write PrefixPDU: %w", err)
	}
	return nil
}

func (e *EndOfDataPDU) Bytes() []byte { return serialBytes(EndOfData, e.Serial) }

func (e *EndOfDataPDU) Write(w io.Writer) error {
	if err := writeFull(w, e.Bytes()); err != nil {
		return fmt.Errorf("failed to write EndOfDataPDU: %w", err)
	}
	return nil
}

func (c *CacheResetPDU) Bytes() []byte { return emptyBytes(CacheReset) }

func (c *CacheResetPDU) Write(w io.Writer) error {
	if err := writeFull(w, c.Bytes()); err != nil {
		return fmt.Errorf("failed to write CacheResetPDU: %w", err)
	}
	return nil
}

func (e *ErrorReportPDU) Bytes() []byte {
	msg := []byte(e.Text)
	buf := make([]byte, errorHeadLength+len(e.ErrPDU)+len(msg))
	buf[0] = Version
	buf[1] = byte(ErrorReport)
	binary.BigEndian.PutUint16(buf[2:], e.Code)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(e.ErrPDU)))
	binary.BigEndian.PutUint16(buf[6:], uint16(len(msg)))
	copy(buf[errorHeadLength:], e.ErrPDU)
	copy(buf[errorHeadLength+len(e.ErrPDU):], msg)
	return buf
}

func (e *ErrorReportPDU) Write(w io.Writer) error {
	if err := writeFull(w, e.Bytes()); err != nil {
		return fmt.Errorf("failed to write ErrorReportPDU: %w", err)
	}
	return nil
}
