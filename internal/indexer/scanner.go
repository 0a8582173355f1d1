package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/libraryd/internal/volume"
)

// walkEntry is one path produced by a breadth-first Scan, queued for the
// Pipeline to evaluate. relPath is NFC-normalized for storage; the
// original backend-reported name is kept separately so backend I/O always
// uses the name the backend actually returned (spec.md's indexer-job entry
// point feeds these into the same per-event pipeline the watcher uses).
type walkEntry struct {
	relPath string
	isDir   bool
	info    volume.FileInfo
}

// Scanner performs the indexer job's breadth-first directory walk over a
// volume.Backend, applying Rules before descending into any subdirectory.
// Grounded on internal/sync/scanner.go's walkDir, generalized from a fixed
// os.ReadDir to the Backend abstraction and from depth-first to
// breadth-first traversal (spec.md §4.5: "walks ... breadth-first").
type Scanner struct {
	backend volume.Backend
	rules   *Rules
	logger  *slog.Logger
}

// NewScanner builds a Scanner over backend, filtering with rules.
func NewScanner(backend volume.Backend, rules *Rules, logger *slog.Logger) *Scanner {
	return &Scanner{backend: backend, rules: rules, logger: logger}
}

// Scan walks the backend breadth-first starting at root ("" for the
// location root) and delivers every accepted entry to visit. Traversal
// continues past rejected files but never descends into a rejected
// directory.
func (s *Scanner) Scan(ctx context.Context, visit func(walkEntry) error) error {
	queue := []string{""}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		if err := ctx.Err(); err != nil {
			return err
		}

		children, err := s.backend.ReadDir(ctx, dir)
		if err != nil {
			s.logger.Warn("indexer: directory read failed, skipping subtree", "dir", dir, "error", err)
			continue // non-fatal per spec.md §4.5: whole-directory read failures become non-critical errors
		}

		for _, child := range children {
			if err := ctx.Err(); err != nil {
				return err
			}

			normalizedName := norm.NFC.String(child.Name)
			relPath := joinRelPath(dir, normalizedName)

			info, err := s.backend.Stat(ctx, joinRelPath(dir, child.Name))
			if err != nil {
				s.logger.Warn("indexer: stat failed, skipping entry", "path", relPath, "error", err)
				continue
			}

			result := s.rules.Evaluate(relPath, info.IsDir, info.Size)
			if !result.Accepted {
				s.logger.Debug("indexer: path rejected by rules", "path", relPath, "reason", result.Reason)
				continue
			}

			entry := walkEntry{relPath: relPath, isDir: info.IsDir, info: info}
			if err := visit(entry); err != nil {
				return fmt.Errorf("indexer: visiting %q: %w", relPath, err)
			}

			if info.IsDir {
				queue = append(queue, relPath)
			}
		}
	}

	return nil
}

func joinRelPath(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}
