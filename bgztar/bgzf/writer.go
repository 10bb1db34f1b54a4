package bgzf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

// DefaultBlockSize is the uncompressed payload size at which a member is
// flushed. It leaves enough headroom below the 64 KiB member-length limit
// for incompressible payloads.
const DefaultBlockSize = 0xff00

// maxBlockSize keeps the total member length representable in the 16-bit
// BSIZE field even when deflate expands the payload.
const maxBlockSize = 0xff00

const memberHeaderLen = 18

// eofMarker is the canonical empty terminator member.
var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff,
	0x06, 0x00, 'B', 'C', 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Writer produces a block-gzip container: input bytes are split into
// fixed-target blocks, each compressed into an independent gzip member with
// a BC subfield declaring the member's size. Close writes the empty
// terminator member.
type Writer struct {
	w         io.Writer
	blockSize int
	level     int

	pending []byte
	err     error
}

// NewWriter returns a Writer with the default block size and compression
// level.
func NewWriter(w io.Writer) *Writer {
	bw, _ := NewWriterSize(w, DefaultBlockSize)
	return bw
}

// NewWriterSize returns a Writer that flushes a member every blockSize
// uncompressed bytes.
func NewWriterSize(w io.Writer, blockSize int) (*Writer, error) {
	if blockSize <= 0 || blockSize > maxBlockSize {
		return nil, fmt.Errorf("bgzf: block size %d out of range (1..%d)", blockSize, maxBlockSize)
	}
	return &Writer{
		w:         w,
		blockSize: blockSize,
		level:     flate.DefaultCompression,
		pending:   make([]byte, 0, blockSize),
	}, nil
}

// Write buffers p, emitting complete members as the block size is reached.
func (bw *Writer) Write(p []byte) (int, error) {
	if bw.err != nil {
		return 0, bw.err
	}

	written := len(p)
	for len(p) > 0 {
		room := bw.blockSize - len(bw.pending)
		if room > len(p) {
			room = len(p)
		}
		bw.pending = append(bw.pending, p[:room]...)
		p = p[room:]

		if len(bw.pending) == bw.blockSize {
			if bw.err = bw.flushBlock(); bw.err != nil {
				return 0, bw.err
			}
		}
	}
	return written, nil
}

// Flush emits any buffered bytes as a member. A flush at a block boundary
// is a no-op.
func (bw *Writer) Flush() error {
	if bw.err != nil {
		return bw.err
	}
	if len(bw.pending) == 0 {
		return nil
	}
	bw.err = bw.flushBlock()
	return bw.err
}

// Close flushes buffered bytes and writes the empty terminator member. It
// does not close the underlying writer.
func (bw *Writer) Close() error {
	if err := bw.Flush(); err != nil {
		return err
	}
	if _, err := bw.w.Write(eofMarker); err != nil {
		bw.err = err
		return err
	}
	return nil
}

func (bw *Writer) flushBlock() error {
	payload := bw.pending
	bw.pending = bw.pending[:0]
	return writeMember(bw.w, payload, bw.level)
}

func writeMember(w io.Writer, payload []byte, level int) error {
	var body bytes.Buffer
	fw, err := flate.NewWriter(&body, level)
	if err != nil {
		return err
	}
	if _, err := fw.Write(payload); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	memberLen := memberHeaderLen + body.Len() + trailerLen
	if memberLen-1 > 0xffff {
		return fmt.Errorf("bgzf: compressed member length %d exceeds BSIZE range", memberLen)
	}

	header := [memberHeaderLen]byte{
		gzipID1, gzipID2, gzipDeflate, gzipFlgExtra,
		0, 0, 0, 0, // MTIME
		0, 0xff, // XFL, OS (unknown)
		6, 0, // XLEN
		'B', 'C', 2, 0, // BC subfield
	}
	binary.LittleEndian.PutUint16(header[16:18], uint16(memberLen-1))

	var trailer [trailerLen]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(trailer[:]); err != nil {
		return err
	}
	return nil
}
