package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FS serves revisions from a directory, typically a repo checkout kept
// fresh by an external fetcher or a bind mount. The revision digest is
// computed from the tree content, so an unchanged checkout yields an
// unchanged revision.
type FS struct {
	root string
}

// NewFS creates a filesystem driver rooted at the given directory.
func NewFS(root string) *FS {
	return &FS{root: root}
}

// Latest walks the root and returns all YAML files as one tree.
func (f *FS) Latest(ctx context.Context) (Revision, Tree, error) {
	if _, err := os.Stat(f.root); err != nil {
		if os.IsNotExist(err) {
			return Revision{}, nil, fmt.Errorf("%w: %s", ErrNotFound, f.root)
		}
		return Revision{}, nil, err
	}

	tree := Tree{}
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// Hidden directories (.git and friends) are not desired state.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isYAML(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return Revision{}, nil, fmt.Errorf("walk %s: %w", f.root, err)
	}

	rev := Revision{Digest: tree.Digest(), Timestamp: time.Now().UTC()}
	return rev, tree, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
