package bgztar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

// Persisted index layout, all fields little-endian:
//
//	magic    [8]byte  "BGZIDX1\n"
//	version  uint32
//	reserved uint32
//	blockCount uint64
//	entryCount uint64
//	archiveDigest uint16 length + bytes
//	blocks  blockCount fixed 24-byte records
//	entries entryCount variable-length records
//
// Blocks and entries are flat arrays in offset order, so a reader loads
// them without reconstructing any tree structure and queries recompute
// block coverage by binary search.

var indexMagic = [8]byte{'B', 'G', 'Z', 'I', 'D', 'X', '1', '\n'}

const (
	headerLen      = 8 + 4 + 4 + 8 + 8
	blockRecordLen = 8 + 8 + 4 + 4
)

// Save serializes the index and atomically publishes it at path: the bytes
// go to a temporary file in the destination directory first, so a failed
// write never leaves a readable half-index behind.
//
// Save always writes the current format version, whatever idx.Version says.
// Records are serialized in the current layout, so re-saving an index
// loaded from an older-format file upgrades it.
func Save(idx *Index, path string) error {
	w, err := NewIndexWriter()
	if err != nil {
		return err
	}
	defer w.Abort()

	for _, block := range idx.Blocks {
		if err := w.AppendBlock(block); err != nil {
			return err
		}
	}
	for _, entry := range idx.Entries {
		if err := w.AppendEntry(entry); err != nil {
			return err
		}
	}
	return w.Commit(idx.ArchiveDigest, path)
}

// BuildFile indexes the archive at archivePath and publishes the index at
// indexPath, streaming records to disk as they are discovered. On any
// build failure nothing is left at indexPath.
func BuildFile(ctx context.Context, archivePath, indexPath string, opts ...BuildOption) (*Index, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		opts = append(opts, WithTotalSize(info.Size()))
	}

	w, err := NewIndexWriter()
	if err != nil {
		return nil, err
	}
	defer w.Abort()

	idx, err := Build(ctx, f, append(opts, withIndexWriter(w))...)
	if err != nil {
		return nil, err
	}
	if err := w.Commit(idx.ArchiveDigest, indexPath); err != nil {
		return nil, err
	}
	return idx, nil
}

// IndexWriter accumulates block and entry records in spool files as a
// build discovers them, then stitches header and sections together on
// Commit. Records stream to disk immediately, nothing is buffered
// wholesale.
type IndexWriter struct {
	blockSpool *os.File
	entrySpool *os.File

	blockBuf *bufio.Writer
	entryBuf *bufio.Writer

	blockCount uint64
	entryCount uint64
	done       bool
}

// NewIndexWriter returns an IndexWriter spooling to temporary files.
func NewIndexWriter() (*IndexWriter, error) {
	blockSpool, err := os.CreateTemp("", "bgzidx-blocks-*")
	if err != nil {
		return nil, err
	}
	entrySpool, err := os.CreateTemp("", "bgzidx-entries-*")
	if err != nil {
		blockSpool.Close()
		os.Remove(blockSpool.Name())
		return nil, err
	}
	return &IndexWriter{
		blockSpool: blockSpool,
		entrySpool: entrySpool,
		blockBuf:   bufio.NewWriter(blockSpool),
		entryBuf:   bufio.NewWriter(entrySpool),
	}, nil
}

// AppendBlock appends one block record.
func (w *IndexWriter) AppendBlock(block bgzf.Block) error {
	var record [blockRecordLen]byte
	binary.LittleEndian.PutUint64(record[0:8], block.CompressedOffset)
	binary.LittleEndian.PutUint64(record[8:16], block.UncompressedOffset)
	binary.LittleEndian.PutUint32(record[16:20], block.CompressedLength)
	binary.LittleEndian.PutUint32(record[20:24], block.UncompressedLength)
	if _, err := w.blockBuf.Write(record[:]); err != nil {
		return err
	}
	w.blockCount++
	return nil
}

// AppendEntry appends one entry record.
func (w *IndexWriter) AppendEntry(entry tarwalk.Entry) error {
	if err := writeEntryRecord(w.entryBuf, entry); err != nil {
		return err
	}
	w.entryCount++
	return nil
}

// Commit writes the final index file at path and atomically renames it
// into place, then releases the spools. The file is stamped with the
// current format version, matching the record layout the spools hold.
func (w *IndexWriter) Commit(archiveDigest digest.Digest, path string) (err error) {
	if w.done {
		return fmt.Errorf("index writer already finished")
	}
	w.done = true
	defer w.cleanupSpools()

	if err := w.blockBuf.Flush(); err != nil {
		return err
	}
	if err := w.entryBuf.Flush(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bgzidx-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	out := bufio.NewWriter(tmp)

	var header [headerLen]byte
	copy(header[0:8], indexMagic[:])
	binary.LittleEndian.PutUint32(header[8:12], FormatVersion)
	binary.LittleEndian.PutUint64(header[16:24], w.blockCount)
	binary.LittleEndian.PutUint64(header[24:32], w.entryCount)
	if _, err = out.Write(header[:]); err != nil {
		return err
	}
	if err = writeString16(out, string(archiveDigest)); err != nil {
		return err
	}

	for _, spool := range []*os.File{w.blockSpool, w.entrySpool} {
		if _, err = spool.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err = io.Copy(out, spool); err != nil {
			return err
		}
	}

	if err = out.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Abort discards the spools without publishing anything. Safe to call
// after Commit.
func (w *IndexWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cleanupSpools()
}

func (w *IndexWriter) cleanupSpools() {
	w.blockSpool.Close()
	os.Remove(w.blockSpool.Name())
	w.entrySpool.Close()
	os.Remove(w.entrySpool.Name())
}

// LoadFile reads a persisted index from path.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(bufio.NewReader(f))
}

// Load reads a persisted index. It fails with ErrUnsupportedVersion when
// the file's format version is newer than this reader supports, and
// ErrTruncatedIndex when fewer bytes are present than the header's counts
// imply.
func Load(r io.Reader) (*Index, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, bgzerrors.ErrTruncatedIndex.WithCause(err)
	}
	if !bytes.Equal(header[0:8], indexMagic[:]) {
		return nil, bgzerrors.ErrUnsupportedVersion.
			WithCause(fmt.Errorf("unrecognized index magic %q", header[0:8]))
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version > FormatVersion {
		return nil, bgzerrors.ErrUnsupportedVersion.WithDetail("version", version)
	}

	blockCount := binary.LittleEndian.Uint64(header[16:24])
	entryCount := binary.LittleEndian.Uint64(header[24:32])

	digestStr, err := readString16(r)
	if err != nil {
		return nil, bgzerrors.ErrTruncatedIndex.WithCause(err)
	}

	idx := &Index{
		Version:       version,
		ArchiveDigest: digest.Digest(digestStr),
		Blocks:        make([]bgzf.Block, 0, clampCap(blockCount)),
		Entries:       make([]tarwalk.Entry, 0, clampCap(entryCount)),
	}

	var record [blockRecordLen]byte
	for i := uint64(0); i < blockCount; i++ {
		if _, err := io.ReadFull(r, record[:]); err != nil {
			return nil, bgzerrors.ErrTruncatedIndex.
				WithDetail("section", "blocks").
				WithCause(err)
		}
		idx.Blocks = append(idx.Blocks, bgzf.Block{
			CompressedOffset:   binary.LittleEndian.Uint64(record[0:8]),
			UncompressedOffset: binary.LittleEndian.Uint64(record[8:16]),
			CompressedLength:   binary.LittleEndian.Uint32(record[16:20]),
			UncompressedLength: binary.LittleEndian.Uint32(record[20:24]),
		})
	}

	for i := uint64(0); i < entryCount; i++ {
		entry, err := readEntryRecord(r)
		if err != nil {
			return nil, bgzerrors.ErrTruncatedIndex.
				WithDetail("section", "entries").
				WithCause(err)
		}
		idx.Entries = append(idx.Entries, *entry)
	}

	return idx, nil
}

// clampCap bounds a slice pre-allocation by a count declared in the file
// header. The counts are untrusted until the records behind them have
// actually been read, so allocation grows by appending rather than up
// front; a count larger than the data backs it up runs into the short-read
// path instead.
func clampCap(declared uint64) int {
	const maxPrealloc = 1 << 16
	if declared > maxPrealloc {
		return maxPrealloc
	}
	return int(declared)
}

// Entry record layout: type u8, mode u32, uid u32, gid u32, mtime i64,
// size u64, dataOffset u64, then length-prefixed name and linkname.
func writeEntryRecord(w io.Writer, entry tarwalk.Entry) error {
	var fixed [1 + 4 + 4 + 4 + 8 + 8 + 8]byte
	fixed[0] = byte(entry.Type)
	binary.LittleEndian.PutUint32(fixed[1:5], entry.Mode)
	binary.LittleEndian.PutUint32(fixed[5:9], entry.UID)
	binary.LittleEndian.PutUint32(fixed[9:13], entry.GID)
	binary.LittleEndian.PutUint64(fixed[13:21], uint64(entry.ModTime))
	binary.LittleEndian.PutUint64(fixed[21:29], entry.Size)
	binary.LittleEndian.PutUint64(fixed[29:37], entry.DataOffset)
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if err := writeString16(w, entry.Name); err != nil {
		return err
	}
	return writeString16(w, entry.Linkname)
}

func readEntryRecord(r io.Reader) (*tarwalk.Entry, error) {
	var fixed [1 + 4 + 4 + 4 + 8 + 8 + 8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}

	entry := &tarwalk.Entry{
		Type:       tarwalk.EntryType(fixed[0]),
		Mode:       binary.LittleEndian.Uint32(fixed[1:5]),
		UID:        binary.LittleEndian.Uint32(fixed[5:9]),
		GID:        binary.LittleEndian.Uint32(fixed[9:13]),
		ModTime:    int64(binary.LittleEndian.Uint64(fixed[13:21])),
		Size:       binary.LittleEndian.Uint64(fixed[21:29]),
		DataOffset: binary.LittleEndian.Uint64(fixed[29:37]),
	}

	name, err := readString16(r)
	if err != nil {
		return nil, err
	}
	linkname, err := readString16(r)
	if err != nil {
		return nil, err
	}
	entry.Name = name
	entry.Linkname = linkname

	entry.DataEnd = entry.DataOffset
	if entry.Type == tarwalk.TypeFile {
		entry.DataEnd += entry.Size
	}
	return entry, nil
}

func writeString16(w io.Writer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string field of %d bytes exceeds length prefix", len(s))
	}
	var prefix [2]byte
	binary.LittleEndian.PutUint16(prefix[:], uint16(len(s)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString16(r io.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(prefix[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
