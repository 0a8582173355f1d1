package indexer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tonimelisma/libraryd/internal/cas"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/pkg/fingerprint"
)

// videoExtensions are sampled instead of fully streamed once past
// sampleThreshold, matching this domain's "video sampling is genuinely
// different from a document's full-stream hash" distinction (see
// DESIGN.md's Open Question bullet 2 decision).
var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

// sampleThreshold is the file size above which video identification
// switches from a full-stream hash to sparse keyframe-adjacent sampling.
const sampleThreshold = 256 * 1024 * 1024

// sampleStride is the gap between sampled windows once a video file is
// large enough to sample rather than stream in full.
const sampleStride = 32 * 1024 * 1024

// sampleWindow is the number of bytes read at each sample point.
const sampleWindow = 1 * 1024 * 1024

// fingerprintKey identifies a (fingerprint, size) pair: two files with the
// same size and the same cheap rolling-XOR fingerprint are very likely
// (though not certainly — fingerprint is not collision-resistant) the same
// content, which is what makes it useful only as a hint.
type fingerprintKey struct {
	digest [fingerprint.Size]byte
	size   int64
}

// Identifier performs content-identification: the cheap fingerprint and
// the authoritative CAS hash are both derived from one streaming read (a
// volume.Backend reader is not guaranteed seekable, so a separate
// fingerprint-first pass would cost a second full read rather than save
// one). The resulting (fingerprint, size) pair is kept and exposed through
// LikelyDuplicate; the pipeline's decisions do not consult it. Mime-type detection runs
// for Deep-mode locations (spec.md §4.5's index-mode ladder).
type Identifier struct {
	store *library.SQLiteStore
	mode  library.IndexMode

	mu    sync.Mutex
	known map[fingerprintKey]string // fingerprint+size -> cas id, seeded as files are identified
}

// NewIdentifier builds an Identifier performing work appropriate to mode.
func NewIdentifier(store *library.SQLiteStore, mode library.IndexMode) *Identifier {
	return &Identifier{
		store: store,
		mode:  mode,
		known: make(map[fingerprintKey]string),
	}
}

// Identify computes and persists a content identity for entryID, choosing
// the document or video code path by extension, and returns the resulting
// cas id. A directory entry or an Identifier at Shallow mode is a no-op.
func (id *Identifier) Identify(ctx context.Context, p *Pipeline, entryID int64) (string, error) {
	if id.mode == library.IndexShallow {
		return "", nil
	}

	entry, err := p.store.GetEntry(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("indexer: identify: loading entry %d: %w", entryID, err)
	}

	if entry.Kind == library.KindDirectory {
		return "", nil
	}

	relPath, err := p.store.FullPath(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("indexer: identify: resolving path for entry %d: %w", entryID, err)
	}

	relPath = strings.TrimPrefix(relPath, "/")

	reader, err := p.backend.Open(ctx, relPath)
	if err != nil {
		return "", fmt.Errorf("indexer: identify: opening %q: %w", relPath, err)
	}
	defer reader.Close()

	isVideo := videoExtensions[strings.ToLower(filepath.Ext(entry.Name))]

	casID, err := id.identify(reader, entry.Size, isVideo)
	if err != nil {
		return "", err
	}

	mimeType := ""
	if id.mode == library.IndexDeep {
		mimeType = detectMimeType(entry.Name)
	}

	if err := id.store.UpsertContentIdentity(ctx, library.ContentIdentity{CasID: casID, MimeType: mimeType, Size: entry.Size}); err != nil {
		return "", fmt.Errorf("indexer: identify: upserting content identity: %w", err)
	}

	return casID, nil
}

// LikelyDuplicate reports a previously-identified cas id sharing digest
// and size with a just-hashed file, or "" if none is known yet. Used only
// as a diagnostic hint (fingerprint is not collision-resistant); the CAS
// id's reference count in content_identity is the authoritative dedup
// signal.
func (id *Identifier) LikelyDuplicate(digest [fingerprint.Size]byte, size int64) string {
	id.mu.Lock()
	defer id.mu.Unlock()

	return id.known[fingerprintKey{digest: digest, size: size}]
}

// identify computes the CAS hash and the fingerprint over one read and
// records the result in the known-fingerprints index for future move/dedup
// hints.
func (id *Identifier) identify(r io.Reader, size int64, isVideo bool) (string, error) {
	buffered := bufio.NewReaderSize(r, 64*1024)

	fp := fingerprint.New()
	tee := io.TeeReader(buffered, fp)

	var (
		casID string
		err   error
	)

	if isVideo {
		casID, err = id.identifyVideo(tee, size)
	} else {
		casID, err = id.identifyFullStream(tee)
	}

	if err != nil {
		return "", err
	}

	var digest [fingerprint.Size]byte
	copy(digest[:], fp.Sum(nil))

	id.mu.Lock()
	id.known[fingerprintKey{digest: digest, size: size}] = casID
	id.mu.Unlock()

	return casID, nil
}

// identifyFullStream computes the authoritative CAS hash over the entire
// document stream (spec.md §4.2: content below the streaming threshold is
// read whole, above it streaming is mandatory — cas.FromReader already
// streams in fixed-size chunks either way).
func (id *Identifier) identifyFullStream(r io.Reader) (string, error) {
	sum, err := cas.FromReader(r)
	if err != nil {
		return "", fmt.Errorf("indexer: identifyFullStream: hashing: %w", err)
	}

	return sum.String(), nil
}

// identifyVideo hashes the full stream when size is below sampleThreshold,
// and otherwise hashes a sparse set of fixed-size windows spaced
// sampleStride apart — cheap enough to run on multi-gigabyte video files
// while still catching most re-encodes and truncations.
func (id *Identifier) identifyVideo(r io.Reader, size int64) (string, error) {
	if size <= sampleThreshold {
		return id.identifyFullStream(r)
	}

	h, err := cas.NewHasher()
	if err != nil {
		return "", fmt.Errorf("indexer: identifyVideo: init hasher: %w", err)
	}

	buf := make([]byte, sampleWindow)

	var read int64

	for read < size {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		read += int64(n)

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}

		if readErr != nil {
			return "", fmt.Errorf("indexer: identifyVideo: sampling: %w", readErr)
		}

		skipped, skipErr := io.CopyN(io.Discard, r, sampleStride)
		read += skipped

		if skipErr != nil && !errors.Is(skipErr, io.EOF) {
			return "", fmt.Errorf("indexer: identifyVideo: skipping stride: %w", skipErr)
		}

		if errors.Is(skipErr, io.EOF) {
			break
		}
	}

	return cas.SumToID(h).String(), nil
}

func detectMimeType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}

	t := mime.TypeByExtension(ext)
	if t == "" {
		return ""
	}

	// Strip charset/boundary parameters; the library only stores the base type.
	if idx := strings.Index(t, ";"); idx >= 0 {
		t = strings.TrimSpace(t[:idx])
	}

	return t
}
