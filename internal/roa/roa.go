// Package roa is the boundary to the ROA decoder. The daemon never verifies
// the cryptographic envelope; it consumes a directory tree of
// already-validated DER objects and relies on a Decoder to extract the
// payload. DERDecoder only unwraps the CMS structure to reach it.
package roa

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// AFI is the IANA address family identifier carried in a ROA.
type AFI uint16

const (
	AFIIPv4 AFI = 1
	AFIIPv6 AFI = 2
)

// Prefix is one address prefix within a ROA: the high-order bits of the
// address as a left-justified bitstring, and an optional max length.
type Prefix struct {
	Bits   []byte // bitstring content, left-justified
	Length uint8  // number of valid bits
	MaxLen *uint8 // nil when the ROA omits maxLength
}

// Family groups the prefixes of one address family.
type Family struct {
	AFI      AFI
	Prefixes []Prefix
}

// ROA is the decoded payload of one route origin authorization.
type ROA struct {
	Version  int
	ASN      uint32
	Families []Family
}

// Decoder extracts the ROA payload from one DER-encoded file. DERDecoder is
// the implementation used by the producer; tests supply fakes.
type Decoder interface {
	Decode(path string) (*ROA, error)
}

// ErrEmptyTree reports a validator output tree with no ROAs at all. This is
// a structural failure: the producer run aborts rather than publishing an
// empty snapshot over a transient validator problem.
var ErrEmptyTree = errors.New("no ROA files found in validator tree")

// LoadTree walks root recursively, decodes every *.roa file and returns the
// decoded set. A single undecodable ROA is skipped with a warning; an
// unreadable or empty tree fails the whole load.
func LoadTree(root string, dec Decoder, logger *zap.SugaredLogger) ([]*ROA, error) {
	var roas []*ROA
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".roa") {
			return nil
		}
		r, err := dec.Decode(path)
		if err != nil {
			logger.Warnf("Skipping bad ROA %s: %v", path, err)
			return nil
		}
		if r.Version != 0 {
			logger.Warnf("Skipping ROA %s: version is %d, expected 0", path, r.Version)
			return nil
		}
		roas = append(roas, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk validator tree %s: %w", root, err)
	}
	if len(roas) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTree, root)
	}
	return roas, nil
}
