// Package scanner lists workspace files for @-attachment completion and
// keeps that listing fresh through filesystem notifications.
package scanner

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileItem is one entry of a workspace listing.
type FileItem struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// DefaultIgnoreGlobs are the patterns excluded from every scan. Relative
// paths are matched with doublestar semantics.
var DefaultIgnoreGlobs = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/dist/**",
	"**/target/**",
	"**/.DS_Store",
	"**/*.lock",
}

// Scanner walks a workspace root and returns the files a prompt can attach.
type Scanner struct {
	IgnoreGlobs []string
	MaxEntries  int
}

func New() *Scanner {
	return &Scanner{IgnoreGlobs: DefaultIgnoreGlobs, MaxEntries: 5000}
}

func (s *Scanner) ignored(rel string) bool {
	for _, g := range s.IgnoreGlobs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// Scan lists the workspace tree under root, ignore globs applied, sorted by
// relative path. The walk stops once MaxEntries is reached so a scan of a
// huge tree stays bounded.
func (s *Scanner) Scan(root string) ([]FileItem, error) {
	root = filepath.Clean(root)
	var items []FileItem
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			// Match the directory against the globs as if it had contents.
			if s.ignored(rel + "/x") {
				return filepath.SkipDir
			}
		} else if s.ignored(rel) {
			return nil
		}
		if s.MaxEntries > 0 && len(items) >= s.MaxEntries {
			return filepath.SkipAll
		}
		item := FileItem{Path: rel, Name: d.Name(), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			item.Size = info.Size()
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// Filter narrows a listing to items whose path contains the query,
// case-insensitively. An empty query returns the input unchanged.
func Filter(items []FileItem, query string) []FileItem {
	if query == "" {
		return items
	}
	q := strings.ToLower(query)
	var out []FileItem
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.Path), q) {
			out = append(out, it)
		}
	}
	return out
}
