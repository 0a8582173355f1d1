// Package cas computes content-addressed identities for file contents: a
// streaming cryptographic hash folded over buffered reads, producing a
// fixed-size digest that is a pure function of byte content.
//
// Grounded on internal/driveops/hash.go's buffered-read-then-hash loop and
// pkg/quickxorhash's streaming Write-based API in the teacher repo; the
// hash itself is BLAKE2b-256 from golang.org/x/crypto/blake2b rather than
// the teacher's QuickXorHash, since a CAS id must be collision-resistant
// (spec.md assumes BLAKE3, explicitly allowing any collision-resistant
// streaming-friendly substitute). golang.org/x/crypto is a real dependency
// of the ghjramos-aistore/SK-Kadam-aistore example repos.
package cas

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes (256 bits).
const Size = blake2b.Size256

// ID is a fixed-size content-addressed identifier.
type ID [Size]byte

// String renders the id as lowercase hex.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the unset zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ErrReadFailed wraps an underlying I/O error encountered while hashing.
var ErrReadFailed = errors.New("cas: read failed")

// bufferedChunkSize is the read buffer size for streaming hashes.
const bufferedChunkSize = 64 * 1024

// smallFileThreshold is the size below which the whole file is hashed in a
// single call instead of looping over buffered chunks.
const smallFileThreshold = 16 * 1024

// FromPath computes the content id of the file at path.
func FromPath(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return ID{}, fmt.Errorf("%w: open %s: %v", ErrReadFailed, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ID{}, fmt.Errorf("%w: stat %s: %v", ErrReadFailed, path, err)
	}

	if info.Size() < smallFileThreshold {
		data, readErr := io.ReadAll(f)
		if readErr != nil {
			return ID{}, fmt.Errorf("%w: read %s: %v", ErrReadFailed, path, readErr)
		}

		return FromBytes(data), nil
	}

	return FromReader(f)
}

// FromBytes computes the content id of an in-memory byte slice.
func FromBytes(data []byte) ID {
	return blake2b.Sum256(data)
}

// NewHasher exposes the raw BLAKE2b-256 hash.Hash for callers that need to
// write non-contiguous byte ranges before taking the sum (e.g. sparse
// sampling of very large files), rather than a single contiguous read.
func NewHasher() (hash.Hash, error) {
	return blake2b.New256(nil)
}

// SumToID converts a finished hash.Hash's digest into an ID.
func SumToID(h hash.Hash) ID {
	var id ID

	copy(id[:], h.Sum(nil))

	return id
}

// FromReader streams r through the hash in bufferedChunkSize chunks,
// mandatory for any content at or above smallFileThreshold.
func FromReader(r io.Reader) (ID, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return ID{}, fmt.Errorf("cas: init hasher: %w", err)
	}

	buf := make([]byte, bufferedChunkSize)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := h.Write(buf[:n]); writeErr != nil {
				return ID{}, fmt.Errorf("cas: hash write: %w", writeErr)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return ID{}, fmt.Errorf("%w: %v", ErrReadFailed, readErr)
		}
	}

	var id ID

	copy(id[:], h.Sum(nil))

	return id, nil
}
