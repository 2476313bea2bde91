// Package identity computes content-addressed identities for uploaded assets.
//
// An Identity is the SHA-256 digest of the exact byte content of a file. Two
// uploads with identical bytes always produce the same identity, regardless of
// the client-supplied filename or upload time.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
)

// Size is the identity length in bytes.
const Size = sha256.Size

// Identity is a fixed-length content digest. The zero value is not a valid
// identity of any content.
type Identity [Size]byte

// FromReader consumes the reader to the end and returns the identity of the
// bytes read, along with how many bytes were read. Read errors from the
// source propagate verbatim.
func FromReader(r io.Reader) (Identity, int64, error) {
	d := NewDigest()
	n, err := io.Copy(d, r)
	if err != nil {
		return Identity{}, n, err
	}
	return d.Identity(), n, nil
}

// FromBytes returns the identity of a byte slice.
func FromBytes(b []byte) Identity {
	return sha256.Sum256(b)
}

// Parse decodes a hex-encoded identity as produced by String.
func Parse(s string) (Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	if len(b) != Size {
		return Identity{}, fmt.Errorf("invalid identity %q: got %d bytes, want %d", s, len(b), Size)
	}
	var id Identity
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding of the identity.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is the zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// StoragePath returns the deterministic slash-separated relative path for the
// identity: the first 2+2 hex characters as two nested directory levels, the
// remainder as the file name. The sharding bounds per-directory entry counts.
func (id Identity) StoragePath() string {
	s := id.String()
	return path.Join(s[:2], s[2:4], s[4:])
}

// Digest incrementally computes an identity while counting bytes written.
// It allows stores to hash a stream while writing it somewhere else via
// io.MultiWriter, without buffering the payload.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest returns an empty Digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Identity returns the identity of all bytes written so far.
func (d *Digest) Identity() Identity {
	var id Identity
	copy(id[:], d.h.Sum(nil))
	return id
}

// Size returns the number of bytes written so far.
func (d *Digest) Size() int64 {
	return d.n
}
