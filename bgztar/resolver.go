package bgztar

import (
	"fmt"
	"sort"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

// ByteRange is one compressed range to fetch, aligned to a block boundary.
type ByteRange struct {
	Offset uint64
	Length uint32
}

// ResolvedRange is the answer to a range query: the minimal ordered list of
// compressed ranges to fetch, plus how many leading bytes of the first
// decompressed block and trailing bytes of the last to discard. Fetching the
// ranges, decompressing each block independently, concatenating and trimming
// reproduces exactly the requested uncompressed bytes.
type ResolvedRange struct {
	CompressedRanges []ByteRange
	LeadingTrim      uint32
	TrailingTrim     uint32
}

// MatchMode selects which entries a name query resolves when the archive
// contains duplicates. Later entries conventionally supersede earlier ones,
// the index retains all of them and leaves the policy to the caller.
type MatchMode int

const (
	// MatchFirst resolves the first entry with the name, in tar order.
	MatchFirst MatchMode = iota
	// MatchLast resolves the last entry with the name, the conventional
	// supersede policy.
	MatchLast
	// MatchAll resolves every entry with the name, in tar order.
	MatchAll
)

// ResolvedEntry pairs a matched entry with the compressed ranges covering
// its data.
type ResolvedEntry struct {
	Entry tarwalk.Entry
	Range *ResolvedRange
}

// Resolve answers a name query against the index. It returns one
// ResolvedEntry per match according to mode, or ErrNotFound when the name
// is absent (or the index is empty).
func (idx *Index) Resolve(name string, mode MatchMode) ([]*ResolvedEntry, error) {
	matches := idx.lookup(name, mode)
	if len(matches) == 0 {
		return nil, bgzerrors.ErrNotFound.WithDetail("name", name)
	}

	results := make([]*ResolvedEntry, 0, len(matches))
	for _, entry := range matches {
		rng, err := idx.ResolveRange(entry.DataOffset, entry.DataEnd)
		if err != nil {
			return nil, err
		}
		results = append(results, &ResolvedEntry{Entry: entry, Range: rng})
	}
	return results, nil
}

func (idx *Index) lookup(name string, mode MatchMode) []tarwalk.Entry {
	normalized := normalizePath(name)

	var matches []tarwalk.Entry
	for _, entry := range idx.Entries {
		if normalizePath(entry.Name) != normalized {
			continue
		}
		matches = append(matches, entry)
		if mode == MatchFirst {
			break
		}
	}

	if mode == MatchLast && len(matches) > 1 {
		matches = matches[len(matches)-1:]
	}
	return matches
}

// ResolveRange resolves an explicit uncompressed byte range [start, end) to
// compressed block ranges. An empty range resolves to no ranges at all. A
// range outside the block map yields ErrNotFound.
func (idx *Index) ResolveRange(start, end uint64) (*ResolvedRange, error) {
	if start > end {
		return nil, bgzerrors.ErrNotFound.
			WithCause(fmt.Errorf("invalid range [%d, %d)", start, end))
	}
	if start == end {
		return &ResolvedRange{}, nil
	}

	blocks := idx.Blocks

	// First block whose range extends past start.
	first := sort.Search(len(blocks), func(i int) bool {
		return blocks[i].UncompressedEnd() > start
	})
	if first == len(blocks) || blocks[first].UncompressedOffset > start {
		return nil, bgzerrors.ErrNotFound.
			WithCause(fmt.Errorf("offset %d not covered by block map", start))
	}

	resolved := &ResolvedRange{
		LeadingTrim: uint32(start - blocks[first].UncompressedOffset),
	}

	last := first
	for i := first; i < len(blocks) && blocks[i].UncompressedOffset < end; i++ {
		if blocks[i].UncompressedLength == 0 {
			continue
		}
		resolved.CompressedRanges = append(resolved.CompressedRanges, ByteRange{
			Offset: blocks[i].CompressedOffset,
			Length: blocks[i].CompressedLength,
		})
		last = i
	}

	if blocks[last].UncompressedEnd() < end {
		return nil, bgzerrors.ErrNotFound.
			WithCause(fmt.Errorf("range end %d not covered by block map", end))
	}
	resolved.TrailingTrim = uint32(blocks[last].UncompressedEnd() - end)

	return resolved, nil
}
