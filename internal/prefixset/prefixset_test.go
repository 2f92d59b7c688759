package prefixset

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/job/rtrd/internal/protocol"
	"github.com/job/rtrd/internal/roa"
)

func u8(v uint8) *uint8 { return &v }

func sampleROAs() []*roa.ROA {
	return []*roa.ROA{
		{
			ASN: 65001,
			Families: []roa.Family{{
				AFI:      roa.AFIIPv4,
				Prefixes: []roa.Prefix{{Bits: []byte{192, 0, 2}, Length: 24, MaxLen: u8(24)}},
			}},
		},
		{
			ASN: 64511,
			Families: []roa.Family{{
				AFI:      roa.AFIIPv6,
				Prefixes: []roa.Prefix{{Bits: []byte{0x20, 0x01, 0x0d, 0xb8}, Length: 32}},
			}},
		},
	}
}

func TestBuild(t *testing.T) {
	ax, err := Build(100, sampleROAs())
	require.NoError(t, err)
	require.Equal(t, uint32(100), ax.Serial)
	require.Len(t, ax.Prefixes, 2)

	// IPv4 sorts before IPv6 because the type byte differs.
	require.Equal(t, protocol.Ipv4Prefix, ax.Prefixes[0].Type())
	require.Equal(t, netip.MustParseAddr("192.0.2.0"), ax.Prefixes[0].Addr)
	require.Equal(t, uint8(24), ax.Prefixes[0].MaxLen)
	require.Equal(t, uint8(protocol.Announce), ax.Prefixes[0].Announce)

	// Absent maxLength defaults to the prefix length.
	require.Equal(t, protocol.Ipv6Prefix, ax.Prefixes[1].Type())
	require.Equal(t, uint8(32), ax.Prefixes[1].MaxLen)
}

func TestBuildScenarioWire(t *testing.T) {
	ax, err := Build(100, sampleROAs()[:1])
	require.NoError(t, err)
	require.Len(t, ax.Prefixes, 1)
	require.Equal(t, []byte{
		0x00, 0x04, 0x00, 0x00, 0x01, 0x18, 0x18, 0x00,
		0xC0, 0x00, 0x02, 0x00, 0x00, 0x00, 0xFD, 0xE9,
	}, ax.Prefixes[0].Bytes())
}

func TestBuildDeduplicates(t *testing.T) {
	dupes := append(sampleROAs(), sampleROAs()...)
	ax, err := Build(1, dupes)
	require.NoError(t, err)
	require.Len(t, ax.Prefixes, 2)
}

func TestCanonicalizeIdempotent(t *testing.T) {
	ax, err := Build(1, sampleROAs())
	require.NoError(t, err)
	once := append([]*protocol.PrefixPDU(nil), ax.Prefixes...)
	twice := canonicalize(once)
	require.Equal(t, ax.Prefixes, twice)
}

func TestFillAddrMasksHostBits(t *testing.T) {
	var a [4]byte
	// 21 valid bits, stray bits set in the tail of the bitstring.
	require.NoError(t, fillAddr(a[:], []byte{10, 1, 0xFF}, 21))
	require.Equal(t, [4]byte{10, 1, 0xF8, 0}, a)

	require.Error(t, fillAddr(a[:], []byte{1, 2, 3, 4, 5}, 24))
}

func TestDiffLaw(t *testing.T) {
	old, err := Build(1, sampleROAs())
	require.NoError(t, err)

	extra := &roa.ROA{
		ASN: 65002,
		Families: []roa.Family{{
			AFI:      roa.AFIIPv4,
			Prefixes: []roa.Prefix{{Bits: []byte{198, 51, 100}, Length: 24, MaxLen: u8(28)}},
		}},
	}
	// new drops the v6 record and gains one v4.
	newer, err := Build(2, append(sampleROAs()[:1], extra))
	require.NoError(t, err)

	ix := Diff(old, newer)
	require.Equal(t, uint32(1), ix.FromSerial)
	require.Equal(t, uint32(2), ix.ToSerial)

	// Applying the delta to old must reproduce new as a set.
	set := make(map[string]bool)
	for _, p := range old.Prefixes {
		set[neutralKey(p)] = true
	}
	for _, p := range ix.Prefixes {
		if p.Announce == protocol.Announce {
			set[neutralKey(p)] = true
		} else {
			delete(set, neutralKey(p))
		}
	}
	want := make(map[string]bool)
	for _, p := range newer.Prefixes {
		want[neutralKey(p)] = true
	}
	require.Equal(t, want, set)
}

func TestDiffEqualSetsIsEmpty(t *testing.T) {
	a, err := Build(1, sampleROAs())
	require.NoError(t, err)
	b, err := Build(2, sampleROAs())
	require.NoError(t, err)
	ix := Diff(a, b)
	require.Empty(t, ix.Prefixes)
}

func neutralKey(p *protocol.PrefixPDU) string {
	c := *p
	c.Announce = protocol.Announce
	return string(c.Bytes())
}

func TestWriteReadRoundTrip(t *testing.T) {
	ax, err := Build(7, sampleROAs())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := ax.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	got, err := ReadPrefixes(&buf)
	require.NoError(t, err)
	require.Equal(t, ax.Prefixes, got)
}

func TestReadPrefixesRejectsTruncation(t *testing.T) {
	ax, err := Build(7, sampleROAs())
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = ax.WriteTo(&buf)
	require.NoError(t, err)

	_, err = ReadPrefixes(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	require.Error(t, err)
}

func TestReadPrefixesRejectsForeignPDUs(t *testing.T) {
	_, err := ReadPrefixes(bytes.NewReader(protocol.NewCacheResetPDU().Bytes()))
	require.Error(t, err)
}
