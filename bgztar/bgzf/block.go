// Package bgzf reads and writes BGZF-style block-gzip containers: a
// concatenation of independently-decompressible gzip members, each carrying
// a BC extra subfield that declares the member's own compressed size. The
// container stays a valid gzip file for ordinary decompressors, but a reader
// that knows the member boundaries can start decompressing at any member.
package bgzf

// Block describes one gzip member of the container in both byte-offset
// domains. Blocks are contiguous and non-overlapping: consecutive blocks
// satisfy next.CompressedOffset == CompressedOffset+CompressedLength and
// the same in the uncompressed domain.
type Block struct {
	CompressedOffset   uint64
	UncompressedOffset uint64
	CompressedLength   uint32
	UncompressedLength uint32
}

// CompressedEnd returns the first compressed offset past this block.
func (b Block) CompressedEnd() uint64 {
	return b.CompressedOffset + uint64(b.CompressedLength)
}

// UncompressedEnd returns the first uncompressed offset past this block.
func (b Block) UncompressedEnd() uint64 {
	return b.UncompressedOffset + uint64(b.UncompressedLength)
}

// IsEOFMarker reports whether the block is an empty terminator member, as
// written at the end of every BGZF stream.
func (b Block) IsEOFMarker() bool {
	return b.UncompressedLength == 0
}
