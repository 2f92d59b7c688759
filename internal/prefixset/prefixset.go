// Package prefixset models the canonical authorized-prefix sets exchanged
// over the rpki-router protocol: full snapshots (AXFR) and the incremental
// differences between two snapshots (IXFR). Both are ordered by the lexical
// order of each record's wire bytes, which makes diffing a linear merge.
package prefixset

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"sort"

	"github.com/job/rtrd/internal/protocol"
	"github.com/job/rtrd/internal/roa"
)

// AXFR is a complete set of authorized prefixes, all with the announce flag
// set, tagged with a monotone serial derived from the build timestamp.
type AXFR struct {
	Serial   uint32
	Prefixes []*protocol.PrefixPDU
}

// IXFR is the difference between two AXFRs, expressed as announce and
// withdraw records.
type IXFR struct {
	FromSerial uint32
	ToSerial   uint32
	Prefixes   []*protocol.PrefixPDU
}

// Build constructs an AXFR from decoded ROAs. Each (ASN, AFI, prefix) triple
// becomes one announce record; the set is then sorted by wire bytes and
// deduplicated.
func Build(serial uint32, roas []*roa.ROA) (*AXFR, error) {
	ax := &AXFR{Serial: serial}
	for _, r := range roas {
		for _, fam := range r.Families {
			for _, p := range fam.Prefixes {
				pdu, err := fromROAPrefix(r.ASN, fam.AFI, p)
				if err != nil {
					return nil, err
				}
				ax.Prefixes = append(ax.Prefixes, pdu)
			}
		}
	}
	ax.Prefixes = canonicalize(ax.Prefixes)
	return ax, nil
}

// fromROAPrefix turns one ROA prefix into an announce record. The bitstring
// is left-justified into the family's address width, maxLength defaults to
// the prefix length when the ROA omits it.
func fromROAPrefix(asn uint32, afi roa.AFI, p roa.Prefix) (*protocol.PrefixPDU, error) {
	var addr netip.Addr
	switch afi {
	case roa.AFIIPv4:
		var a [4]byte
		if err := fillAddr(a[:], p.Bits, p.Length); err != nil {
			return nil, err
		}
		addr = netip.AddrFrom4(a)
	case roa.AFIIPv6:
		var a [16]byte
		if err := fillAddr(a[:], p.Bits, p.Length); err != nil {
			return nil, err
		}
		addr = netip.AddrFrom16(a)
	default:
		return nil, fmt.Errorf("unknown AFI %d", afi)
	}

	maxLen := p.Length
	if p.MaxLen != nil {
		maxLen = *p.MaxLen
	}
	pdu := protocol.NewPrefixPDU(protocol.Announce, addr, p.Length, maxLen, asn)
	if err := pdu.Check(); err != nil {
		return nil, err
	}
	return pdu, nil
}

// fillAddr copies a left-justified bitstring into dst and clears any stray
// bits below the prefix length, so the stored address never carries host
// bits.
func fillAddr(dst, bits []byte, length uint8) error {
	if int(length) > len(dst)*8 {
		return fmt.Errorf("bitstring of %d bits does not fit in %d bytes", length, len(dst))
	}
	if len(bits) > len(dst) {
		return fmt.Errorf("bitstring of %d bytes does not fit in %d bytes", len(bits), len(dst))
	}
	copy(dst, bits)
	whole := int(length) / 8
	if rem := length % 8; rem != 0 {
		dst[whole] &= byte(0xFF << (8 - rem))
		whole++
	}
	for i := whole; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// canonicalize sorts records by their wire bytes and collapses adjacent
// duplicates. It is idempotent and determined solely by the input multiset.
func canonicalize(prefixes []*protocol.PrefixPDU) []*protocol.PrefixPDU {
	sort.Slice(prefixes, func(i, j int) bool {
		return bytes.Compare(prefixes[i].Bytes(), prefixes[j].Bytes()) < 0
	})
	out := prefixes[:0]
	var prev []byte
	for _, p := range prefixes {
		b := p.Bytes()
		if prev != nil && bytes.Equal(b, prev) {
			continue
		}
		out = append(out, p)
		prev = b
	}
	return out
}

// Diff computes the IXFR from old to new by a linear merge over the two
// sorted sets: records only in old become withdraws, records only in new
// become announces, records in both are dropped.
func Diff(old, new *AXFR) *IXFR {
	ix := &IXFR{FromSerial: old.Serial, ToSerial: new.Serial}
	i, j := 0, 0
	for i < len(old.Prefixes) && j < len(new.Prefixes) {
		switch bytes.Compare(old.Prefixes[i].Bytes(), new.Prefixes[j].Bytes()) {
		case -1:
			ix.Prefixes = append(ix.Prefixes, withFlag(old.Prefixes[i], protocol.Withdraw))
			i++
		case 1:
			ix.Prefixes = append(ix.Prefixes, withFlag(new.Prefixes[j], protocol.Announce))
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(old.Prefixes); i++ {
		ix.Prefixes = append(ix.Prefixes, withFlag(old.Prefixes[i], protocol.Withdraw))
	}
	for ; j < len(new.Prefixes); j++ {
		ix.Prefixes = append(ix.Prefixes, withFlag(new.Prefixes[j], protocol.Announce))
	}
	return ix
}

func withFlag(p *protocol.PrefixPDU, flag uint8) *protocol.PrefixPDU {
	c := *p
	c.Announce = flag
	return &c
}

// WriteTo writes the set as a concatenation of prefix PDU wire bytes, the
// exact on-disk snapshot format.
func (a *AXFR) WriteTo(w io.Writer) (int64, error) {
	return writePrefixes(w, a.Prefixes)
}

// WriteTo writes the delta in the same framing as a snapshot.
func (x *IXFR) WriteTo(w io.Writer) (int64, error) {
	return writePrefixes(w, x.Prefixes)
}

func writePrefixes(w io.Writer, prefixes []*protocol.PrefixPDU) (int64, error) {
	var n int64
	for _, p := range prefixes {
		b := p.Bytes()
		if _, err := w.Write(b); err != nil {
			return n, fmt.Errorf("failed to write prefix record: %w", err)
		}
		n += int64(len(b))
	}
	return n, nil
}

// ReadPrefixes replays a snapshot or delta file through the PDU decoder and
// returns the records in file order.
func ReadPrefixes(r io.Reader) ([]*protocol.PrefixPDU, error) {
	var out []*protocol.PrefixPDU
	var dec protocol.Decoder
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			for {
				pdu, err := dec.Next()
				if err != nil {
					return nil, fmt.Errorf("corrupt prefix file: %w", err)
				}
				if pdu == nil {
					break
				}
				p, ok := pdu.(*protocol.PrefixPDU)
				if !ok {
					return nil, fmt.Errorf("corrupt prefix file: unexpected %s PDU", pdu.Type())
				}
				out = append(out, p)
			}
		}
		if rerr == io.EOF {
			if dec.Buffered() != 0 {
				return nil, fmt.Errorf("corrupt prefix file: %d trailing bytes", dec.Buffered())
			}
			return out, nil
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read prefix file: %w", rerr)
		}
	}
}
