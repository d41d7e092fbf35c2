package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
)

// Pattern matches manifest files at any depth under a scan root.
const Pattern = "**/transom.{json,yaml,yml,toml}"

// Scanner discovers guest manifests under a directory tree.
type Scanner struct {
	logger *zap.Logger
}

func NewScanner(logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{logger: logger}
}

// Scan walks root and loads every manifest matching Pattern. Unparseable
// manifests are logged and skipped; duplicate names keep the first manifest
// in path order. Results are sorted by name.
func (s *Scanner) Scan(ctx context.Context, root string) ([]*Manifest, error) {
	var (
		mu    sync.Mutex
		found []*Manifest
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		matched, _ := doublestar.Match(Pattern, filepath.ToSlash(rel))
		if !matched {
			return nil
		}
		m, loadErr := Load(path)
		if loadErr != nil {
			s.logger.Warn("skipping bad manifest",
				zap.String("path", path),
				zap.Error(loadErr))
			return nil
		}
		mu.Lock()
		found = append(found, m)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: scan %s: %w", root, err)
	}

	// The walk is parallel, so order by path before resolving duplicates.
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	seen := make(map[string]string, len(found))
	out := found[:0]
	for _, m := range found {
		if first, dup := seen[m.Name]; dup {
			s.logger.Warn("duplicate manifest name",
				zap.String("name", m.Name),
				zap.String("kept", first),
				zap.String("skipped", m.Path))
			continue
		}
		seen[m.Name] = m.Path
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
