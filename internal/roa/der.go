package roa

import (
	"encoding/asn1"
	"fmt"
	"os"
)

// id-ct-routeOriginAuthz, the eContentType of a ROA.
var oidRouteOriginAuthz = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}

// DERDecoder extracts the ROA payload from the CMS envelope of an
// already-validated DER file. It performs no signature or certificate
// checking; that trust is delegated to the upstream validator that wrote
// the tree.
type DERDecoder struct{}

func NewDERDecoder() *DERDecoder { return &DERDecoder{} }

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	// Content is the [0]-wrapped SignedData; its Bytes hold the inner
	// SEQUENCE verbatim.
	Content asn1.RawValue `asn1:"tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      asn1.RawValue `asn1:"set"`
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type routeOriginAttestation struct {
	Version      int `asn1:"explicit,optional,default:0,tag:0"`
	ASID         int64
	IPAddrBlocks []roaIPAddressFamily
}

type roaIPAddressFamily struct {
	AddressFamily []byte
	Addresses     []roaIPAddress
}

type roaIPAddress struct {
	Address asn1.BitString
	// -1 marks an absent maxLength; real values are never negative.
	MaxLength int `asn1:"optional,default:-1"`
}

func (d *DERDecoder) Decode(path string) (*ROA, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ROA: %w", err)
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("bad CMS envelope: %w", err)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("bad SignedData: %w", err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(oidRouteOriginAuthz) {
		return nil, fmt.Errorf("eContentType is %v, not a ROA", sd.EncapContentInfo.EContentType)
	}

	var attestation routeOriginAttestation
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &attestation); err != nil {
		return nil, fmt.Errorf("bad RouteOriginAttestation: %w", err)
	}
	if attestation.ASID < 0 || attestation.ASID > 0xFFFFFFFF {
		return nil, fmt.Errorf("AS number %d out of range", attestation.ASID)
	}

	r := &ROA{
		Version: attestation.Version,
		ASN:     uint32(attestation.ASID),
	}
	for _, block := range attestation.IPAddrBlocks {
		if len(block.AddressFamily) != 2 {
			return nil, fmt.Errorf("address family of %d bytes", len(block.AddressFamily))
		}
		fam := Family{AFI: AFI(uint16(block.AddressFamily[0])<<8 | uint16(block.AddressFamily[1]))}
		for _, a := range block.Addresses {
			p := Prefix{
				Bits:   a.Address.Bytes,
				Length: uint8(a.Address.BitLength),
			}
			if a.MaxLength >= 0 {
				if a.MaxLength > 128 {
					return nil, fmt.Errorf("maxLength %d out of range", a.MaxLength)
				}
				ml := uint8(a.MaxLength)
				p.MaxLen = &ml
			}
			fam.Prefixes = append(fam.Prefixes, p)
		}
		r.Families = append(r.Families, fam)
	}
	return r, nil
}
