// Package xrepo maintains the shared cross-repository index: which dumps
// exist, which packages they define and import, and the commit graph used
// to select the nearest dump for a query.
package xrepo

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Reference rows carry a compact membership filter over the moniker
// identifiers a dump imports from a package, so candidate dumps can be
// discarded without opening their database. The encoding is a one-byte
// version, the bit and hash counts, then the bit array.

const (
	filterVersion = 1
	filterHashes  = 7
	// bitsPerElement targets a false positive rate of about one percent.
	bitsPerElement = 10
	minFilterBits  = 256
)

// NewFilter encodes a membership filter over the given identifiers.
func NewFilter(identifiers []string) []byte {
	bits := uint32(len(identifiers) * bitsPerElement)
	if bits < minFilterBits {
		bits = minFilterBits
	}

	data := make([]byte, 9+(bits+7)/8)
	data[0] = filterVersion
	binary.BigEndian.PutUint32(data[1:], bits)
	binary.BigEndian.PutUint32(data[5:], filterHashes)

	for _, identifier := range identifiers {
		h1, h2 := filterHash(identifier)
		for i := uint64(0); i < filterHashes; i++ {
			bit := (h1 + i*h2) % uint64(bits)
			data[9+bit/8] |= 1 << (bit % 8)
		}
	}
	return data
}

// TestFilter reports whether identifier may be a member of the encoded
// filter. False positives are possible; false negatives are not.
func TestFilter(data []byte, identifier string) (bool, error) {
	if len(data) < 9 {
		return false, fmt.Errorf("filter too short: %d bytes", len(data))
	}
	if data[0] != filterVersion {
		return false, fmt.Errorf("unsupported filter version %d", data[0])
	}
	bits := binary.BigEndian.Uint32(data[1:])
	hashes := binary.BigEndian.Uint32(data[5:])
	if bits == 0 || len(data) < 9+int(bits+7)/8 {
		return false, fmt.Errorf("truncated filter: %d bits in %d bytes", bits, len(data))
	}

	h1, h2 := filterHash(identifier)
	for i := uint64(0); i < uint64(hashes); i++ {
		bit := (h1 + i*h2) % uint64(bits)
		if data[9+bit/8]&(1<<(bit%8)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// filterHash derives the two base hashes for double hashing. The second
// hash is forced odd so the probe sequence covers the bit array.
func filterHash(identifier string) (uint64, uint64) {
	h1 := xxhash.Sum64String(identifier)
	h2 := xxhash.Sum64String(identifier+"\x00") | 1
	return h1, h2
}
