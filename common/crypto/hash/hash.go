// Package hash implements the content fingerprint used to verify that a file
// arrived byte for byte.
package hash

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// Size is the size of the fingerprint in bytes.
const Size = 32

var (
	// ErrMalformed is the error returned when a hash is malformed.
	ErrMalformed = errors.New("hash: malformed hash")

	emptyHash = sha512.Sum512_256([]byte{})

	_ encoding.TextMarshaler   = Hash{}
	_ encoding.TextUnmarshaler = (*Hash)(nil)
)

// Hash is a SHA-512/256 digest over arbitrary binary data.
type Hash [Size]byte

// MarshalText encodes a Hash into hexadecimal text form.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText decodes a hexadecimal text marshaled Hash.
func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != Size {
		return ErrMalformed
	}
	copy(h[:], b)
	return nil
}

// FromBytes sets the hash to that of an arbitrary byte string.
func (h *Hash) FromBytes(data ...[]byte) {
	b := NewBuilder()
	for _, d := range data {
		_, _ = b.Write(d)
	}
	*h = b.Build()
}

// Equal compares vs another hash for equality.
func (h *Hash) Equal(cmp *Hash) bool {
	if cmp == nil {
		return false
	}
	return subtle.ConstantTimeCompare(h[:], cmp[:]) == 1
}

// IsEmpty returns true iff the hash is that of an empty (0 byte) string.
func (h *Hash) IsEmpty() bool {
	return subtle.ConstantTimeCompare(h[:], emptyHash[:]) == 1
}

// String returns the string representation of a hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// NewFromBytes creates a new hash by hashing the provided byte string(s).
func NewFromBytes(data ...[]byte) (h Hash) {
	h.FromBytes(data...)
	return
}

// NewFromReader hashes everything read from r until EOF and returns the
// digest together with the number of bytes consumed.
func NewFromReader(r io.Reader) (Hash, int64, error) {
	b := NewBuilder()
	n, err := io.Copy(b, r)
	if err != nil {
		return Hash{}, n, err
	}
	return b.Build(), n, nil
}

// NewFromFile fingerprints the file at path.
func NewFromFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, err
	}
	defer f.Close()

	h, n, err := NewFromReader(f)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hash: failed to read '%s': %w", path, err)
	}
	return h, n, nil
}

// Builder is a hash builder that can be used to compute hashes iteratively.
type Builder struct {
	hasher hash.Hash
}

// Write adds more data to the running hash.
// It never returns an error.
func (b *Builder) Write(p []byte) (int, error) {
	return b.hasher.Write(p)
}

// Build returns the current hash.
// It does not change the underlying hash state.
func (b *Builder) Build() (h Hash) {
	copy(h[:], b.hasher.Sum(nil))
	return
}

// NewBuilder creates a new hash builder.
func NewBuilder() *Builder {
	return &Builder{hasher: sha512.New512_256()}
}
