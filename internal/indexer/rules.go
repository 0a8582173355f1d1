// Package indexer implements the filesystem walk, watcher, rule engine,
// and per-event pipeline that keep the library store (internal/library) in
// sync with a location's filesystem tree (C5).
package indexer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
)

// osProtectedDirs are directory basenames the rule engine always rejects,
// regardless of config, to avoid indexing OS/application internals that
// would never make sense as synced library content.
var osProtectedDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"$RECYCLE.BIN": true, "System Volume Information": true,
	".Trash": true, ".Trashes": true,
}

// Result is the rule engine's verdict for a single path.
type Result struct {
	Accepted bool
	Reason   string
}

// Rules implements the rule cascade spec.md §4.5 names: hidden files,
// OS-protected directories, size ceilings, and glob excludes, plus an
// ignore-marker layer. Grounded on the teacher's FilterEngine
// cascade (internal/sync/filter.go), renamed to this domain's concerns
// (no OneDrive name validation or sync_paths allowlist — those are
// OneDrive-specific safety rules this system has no analogue for).
type Rules struct {
	ignoreMarker string
	skipHidden   bool
	globExcludes []string
	maxFileSize  int64
	root         string

	mu         sync.RWMutex
	markerFile map[string]*ignore.GitIgnore // per-directory cache, nil entry means "checked, absent"
}

// NewRules builds a rule engine rooted at root.
func NewRules(root, ignoreMarker string, skipHidden bool, globExcludes []string, maxFileSize int64) *Rules {
	return &Rules{
		ignoreMarker: ignoreMarker,
		skipHidden:   skipHidden,
		globExcludes: globExcludes,
		maxFileSize:  maxFileSize,
		root:         root,
		markerFile:   make(map[string]*ignore.GitIgnore),
	}
}

// Snapshot serializes the ruleset for storage alongside a Location's
// indexer_rules_snapshot column (spec.md's "Rules snapshot" glossary
// entry): a rule change is detected by comparing snapshots byte for byte.
func (r *Rules) Snapshot() string {
	return fmt.Sprintf("marker=%s;hidden=%v;excludes=%s;maxsize=%d",
		r.ignoreMarker, r.skipHidden, strings.Join(r.globExcludes, ","), r.maxFileSize)
}

// Evaluate runs relPath (relative to the location root) through the
// cascade: hidden -> OS-protected -> glob excludes -> size ceiling ->
// ignore marker. The first rejecting layer wins.
func (r *Rules) Evaluate(relPath string, isDir bool, size int64) Result {
	name := filepath.Base(relPath)

	if r.skipHidden && strings.HasPrefix(name, ".") {
		return Result{Accepted: false, Reason: "hidden"}
	}

	if isDir && osProtectedDirs[name] {
		return Result{Accepted: false, Reason: "os-protected directory"}
	}

	if matchesGlob(name, r.globExcludes) {
		return Result{Accepted: false, Reason: "glob exclude"}
	}

	if !isDir && r.maxFileSize > 0 && size > r.maxFileSize {
		return Result{Accepted: false, Reason: "exceeds max file size"}
	}

	if result := r.evaluateIgnoreMarker(relPath, isDir); !result.Accepted {
		return result
	}

	return Result{Accepted: true}
}

func matchesGlob(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		matched, err := filepath.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			continue // malformed pattern: skip rather than fail the whole walk
		}

		if matched {
			return true
		}
	}

	return false
}

func (r *Rules) evaluateIgnoreMarker(relPath string, isDir bool) Result {
	if r.ignoreMarker == "" {
		return Result{Accepted: true}
	}

	dir := filepath.Dir(relPath)

	gi := r.loadMarker(dir)
	if gi == nil {
		return Result{Accepted: true}
	}

	matchPath := filepath.ToSlash(relPath)
	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		return Result{Accepted: false, Reason: "excluded by " + r.ignoreMarker}
	}

	return Result{Accepted: true}
}

func (r *Rules) loadMarker(dir string) *ignore.GitIgnore {
	r.mu.RLock()
	gi, cached := r.markerFile[dir]
	r.mu.RUnlock()

	if cached {
		return gi
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gi, cached = r.markerFile[dir]; cached {
		return gi
	}

	path := filepath.Join(r.root, dir, r.ignoreMarker)

	parsed, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		r.markerFile[dir] = nil
		return nil
	}

	r.markerFile[dir] = parsed

	return parsed
}

// InvalidateMarkerCache drops the cached ignore-marker parse for dir, used
// when the watcher observes the marker file itself change.
func (r *Rules) InvalidateMarkerCache(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.markerFile, dir)
}
