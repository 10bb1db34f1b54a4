// Package bgztar builds and queries side-indexes for tar archives
// compressed as block-gzip (BGZF-style) containers. The index correlates
// tar entries in the uncompressed domain with gzip members in the
// compressed domain, so any single entry can later be extracted with byte-
// range reads of the compressed file, without the archive present at
// lookup time.
package bgztar

import (
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

// FormatVersion is the current persisted index format version.
const FormatVersion uint32 = 1

// Index is the persisted aggregate of the block map and the entry table.
// Blocks and entries are sorted by offset; entries with duplicate names are
// all retained in tar order, so supersede-vs-first is a query-time policy.
// An Index is read-only after build or load and safe for concurrent
// queries.
type Index struct {
	Version uint32

	// ArchiveDigest is the digest of the compressed archive computed
	// during build, identifying which archive this index pairs with.
	ArchiveDigest digest.Digest

	Blocks  []bgzf.Block
	Entries []tarwalk.Entry
}

// CompressedSize returns the total compressed archive length covered by
// the block map.
func (idx *Index) CompressedSize() uint64 {
	if len(idx.Blocks) == 0 {
		return 0
	}
	return idx.Blocks[len(idx.Blocks)-1].CompressedEnd()
}

// UncompressedSize returns the total uncompressed tar stream length
// covered by the block map.
func (idx *Index) UncompressedSize() uint64 {
	if len(idx.Blocks) == 0 {
		return 0
	}
	return idx.Blocks[len(idx.Blocks)-1].UncompressedEnd()
}

// FilterEntries returns the entries whose names match pattern. A pattern is
// a specific path, a directory path (all entries below it), or ""/"."/"/"
// for everything.
func (idx *Index) FilterEntries(pattern string) []tarwalk.Entry {
	matcher := newPathMatcher(pattern)
	var results []tarwalk.Entry
	for _, entry := range idx.Entries {
		if matcher.matches(entry.Name) {
			results = append(results, entry)
		}
	}
	return results
}

// pathMatcher encapsulates path pattern matching for FilterEntries. Tar
// member names are compared with leading "./" and "/" stripped, the way
// they commonly vary between archive producers.
type pathMatcher struct {
	matchAll bool
	pattern  string
}

func newPathMatcher(pattern string) pathMatcher {
	pattern = normalizePath(pattern)
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" || pattern == "." {
		return pathMatcher{matchAll: true}
	}
	return pathMatcher{pattern: pattern}
}

// matches reports whether path equals the pattern or lives below it.
func (m pathMatcher) matches(path string) bool {
	if m.matchAll {
		return true
	}

	path = normalizePath(path)
	path = strings.TrimSuffix(path, "/")

	return path == m.pattern || strings.HasPrefix(path, m.pattern+"/")
}

func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")
	return path
}
