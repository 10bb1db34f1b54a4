package bgzf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

const (
	gzipID1      = 0x1f
	gzipID2      = 0x8b
	gzipDeflate  = 8
	gzipFlgExtra = 0x04

	// baseHeaderLen covers the fixed gzip header through the XLEN field.
	baseHeaderLen = 12
	trailerLen    = 8
)

// Member is one gzip member recovered by a Scanner: its position in both
// domains plus the raw compressed bytes, so block discovery and
// decompression share a single forward pass.
type Member struct {
	Block Block

	raw []byte
}

// Open returns a reader over the member's decompressed payload.
func (m *Member) Open() (io.ReadCloser, error) {
	zr, err := gzip.NewReader(bytes.NewReader(m.raw))
	if err != nil {
		return nil, bgzerrors.ErrCorruptArchive.
			WithOffset(int64(m.Block.CompressedOffset)).
			WithCause(err)
	}
	zr.Multistream(false)
	return zr, nil
}

// Decompress returns the member's full decompressed payload, verifying it
// against the uncompressed length declared in the member trailer.
func (m *Member) Decompress() ([]byte, error) {
	zr, err := m.Open()
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, bgzerrors.ErrCorruptArchive.
			WithOffset(int64(m.Block.CompressedOffset)).
			WithCause(err)
	}
	if uint32(len(payload)) != m.Block.UncompressedLength {
		return nil, bgzerrors.ErrCorruptArchive.
			WithOffset(int64(m.Block.CompressedOffset)).
			WithCause(fmt.Errorf("member declares %d uncompressed bytes but inflates to %d",
				m.Block.UncompressedLength, len(payload)))
	}
	return payload, nil
}

// Scanner walks the block-gzip container with a forward, single-pass scan
// and yields one Member per gzip member. It never seeks, so it can run while
// bytes are still arriving from an external producer.
type Scanner struct {
	r io.Reader

	compressedOffset   uint64
	uncompressedOffset uint64
}

// NewScanner returns a Scanner reading the compressed container from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Next returns the next member of the container. It returns io.EOF at a
// clean member boundary and ErrCorruptArchive, carrying the byte offset of
// the failure, on malformed or truncated framing.
func (s *Scanner) Next() (*Member, error) {
	header := make([]byte, baseHeaderLen)
	n, err := io.ReadFull(s.r, header)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, s.corrupt(0, fmt.Errorf("short member header: %w", err))
	}

	if header[0] != gzipID1 || header[1] != gzipID2 {
		return nil, s.corrupt(0, fmt.Errorf("bad gzip magic %#02x %#02x", header[0], header[1]))
	}
	if header[2] != gzipDeflate {
		return nil, s.corrupt(2, fmt.Errorf("unsupported compression method %d", header[2]))
	}
	if header[3]&gzipFlgExtra == 0 {
		return nil, s.corrupt(3, fmt.Errorf("gzip member has no extra field, not block-gzip"))
	}

	xlen := int(binary.LittleEndian.Uint16(header[10:12]))
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(s.r, extra); err != nil {
		return nil, s.corrupt(baseHeaderLen, fmt.Errorf("short extra field: %w", err))
	}

	bsize, err := findBlockSize(extra)
	if err != nil {
		return nil, s.corrupt(baseHeaderLen, err)
	}

	memberLen := int(bsize) + 1
	rest := memberLen - baseHeaderLen - xlen
	if rest < trailerLen {
		return nil, s.corrupt(0, fmt.Errorf("declared member length %d too small", memberLen))
	}

	raw := make([]byte, memberLen)
	copy(raw, header)
	copy(raw[baseHeaderLen:], extra)
	if _, err := io.ReadFull(s.r, raw[baseHeaderLen+xlen:]); err != nil {
		return nil, s.corrupt(int64(baseHeaderLen+xlen), fmt.Errorf("truncated member: %w", err))
	}

	isize := binary.LittleEndian.Uint32(raw[memberLen-4:])

	member := &Member{
		Block: Block{
			CompressedOffset:   s.compressedOffset,
			UncompressedOffset: s.uncompressedOffset,
			CompressedLength:   uint32(memberLen),
			UncompressedLength: isize,
		},
		raw: raw,
	}

	s.compressedOffset += uint64(memberLen)
	s.uncompressedOffset += uint64(isize)

	return member, nil
}

func (s *Scanner) corrupt(rel int64, cause error) error {
	return bgzerrors.ErrCorruptArchive.
		WithOffset(int64(s.compressedOffset) + rel).
		WithCause(cause)
}

// findBlockSize locates the BC subfield in a gzip extra field and returns
// the declared BSIZE (total member length minus one).
func findBlockSize(extra []byte) (uint16, error) {
	for len(extra) >= 4 {
		si1, si2 := extra[0], extra[1]
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+slen {
			return 0, fmt.Errorf("extra subfield overruns extra field")
		}
		if si1 == 'B' && si2 == 'C' {
			if slen != 2 {
				return 0, fmt.Errorf("BC subfield has length %d, want 2", slen)
			}
			return binary.LittleEndian.Uint16(extra[4:6]), nil
		}
		extra = extra[4+slen:]
	}
	return 0, fmt.Errorf("no BC subfield, not block-gzip")
}

// ScanBlocks runs a full forward scan and returns the ordered block
// sequence without decompressing any member. An empty input yields an empty
// sequence, which is valid.
func ScanBlocks(r io.Reader) ([]Block, error) {
	scanner := NewScanner(r)
	var blocks []Block
	for {
		member, err := scanner.Next()
		if err == io.EOF {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, member.Block)
	}
}
