package tarwalk

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

const blockSize = 512

// USTar header field offsets.
const (
	fieldName     = 0
	fieldMode     = 100
	fieldUID      = 108
	fieldGID      = 116
	fieldSize     = 124
	fieldMtime    = 136
	fieldChecksum = 148
	fieldTypeflag = 156
	fieldLinkname = 157
	fieldMagic    = 257
	fieldPrefix   = 345

	lenName      = 100
	lenNumeric8  = 8
	lenNumeric12 = 12
	lenLinkname  = 100
	lenPrefix    = 155
)

// GNU and PAX typeflags handled as metadata prefixes rather than entries.
const (
	typeflagGNULongName = 'L'
	typeflagGNULongLink = 'K'
	typeflagPAX         = 'x'
	typeflagPAXGlobal   = 'g'
)

// Walker is a pull cursor over a tar stream. It reads strictly forward and
// keeps only the current header block in memory, so it never needs the
// whole archive. A Walker cannot resume mid-stream; restart by re-reading
// from the beginning.
type Walker struct {
	r      io.Reader
	offset uint64

	globals paxRecords
	block   [blockSize]byte
	done    bool
}

// NewWalker returns a Walker consuming the uncompressed tar stream from r.
func NewWalker(r io.Reader) *Walker {
	return &Walker{r: r}
}

// Offset returns the number of uncompressed bytes consumed so far.
func (w *Walker) Offset() uint64 {
	return w.offset
}

// Next returns the next entry, or io.EOF after the tar end marker (or a
// clean end of stream). GNU long-name and PAX headers are merged into the
// entry they prefix and never returned on their own.
func (w *Walker) Next() (*Entry, error) {
	if w.done {
		return nil, io.EOF
	}

	var (
		longName string
		longLink string
		pax      paxRecords
	)

	for {
		headerOffset := w.offset
		if err := w.readBlock(); err != nil {
			if err == io.EOF {
				if longName != "" || longLink != "" || pax != nil {
					return nil, bgzerrors.ErrBadHeader.
						WithOffset(int64(headerOffset)).
						WithCause(fmt.Errorf("metadata header without a following entry"))
				}
				w.done = true
				return nil, io.EOF
			}
			return nil, err
		}

		if isZeroBlock(w.block[:]) {
			if err := w.readBlock(); err != nil && err != io.EOF {
				return nil, err
			} else if err == io.EOF || isZeroBlock(w.block[:]) {
				w.done = true
				return nil, io.EOF
			}
			return nil, bgzerrors.ErrBadHeader.
				WithOffset(int64(headerOffset)).
				WithCause(fmt.Errorf("lone zero block followed by data"))
		}

		if err := verifyChecksum(w.block[:]); err != nil {
			return nil, bgzerrors.ErrBadHeader.
				WithOffset(int64(headerOffset)).
				WithCause(err)
		}

		hdr, err := parseHeader(w.block[:])
		if err != nil {
			return nil, bgzerrors.ErrBadHeader.
				WithOffset(int64(headerOffset)).
				WithCause(err)
		}

		switch hdr.typeflag {
		case typeflagGNULongName:
			data, err := w.readPayload(hdr.size)
			if err != nil {
				return nil, err
			}
			longName = trimNul(string(data))
			continue
		case typeflagGNULongLink:
			data, err := w.readPayload(hdr.size)
			if err != nil {
				return nil, err
			}
			longLink = trimNul(string(data))
			continue
		case typeflagPAX:
			data, err := w.readPayload(hdr.size)
			if err != nil {
				return nil, err
			}
			records, err := parsePAXRecords(data)
			if err != nil {
				return nil, bgzerrors.ErrBadHeader.
					WithOffset(int64(headerOffset)).
					WithCause(err)
			}
			pax = records
			continue
		case typeflagPAXGlobal:
			data, err := w.readPayload(hdr.size)
			if err != nil {
				return nil, err
			}
			records, err := parsePAXRecords(data)
			if err != nil {
				return nil, bgzerrors.ErrBadHeader.
					WithOffset(int64(headerOffset)).
					WithCause(err)
			}
			if w.globals == nil {
				w.globals = paxRecords{}
			}
			for k, v := range records {
				w.globals[k] = v
			}
			continue
		}

		entry, err := w.buildEntry(hdr, longName, longLink, pax)
		if err != nil {
			return nil, bgzerrors.ErrBadHeader.
				WithOffset(int64(headerOffset)).
				WithCause(err)
		}
		return entry, nil
	}
}

// buildEntry assembles the logical entry from the real header plus any
// accumulated GNU/PAX metadata, then skips the padded payload.
func (w *Walker) buildEntry(hdr *rawHeader, longName, longLink string, pax paxRecords) (*Entry, error) {
	entry := &Entry{
		Name:     hdr.name,
		Linkname: hdr.linkname,
		Type:     classify(hdr.typeflag),
		Size:     hdr.size,
		Mode:     uint32(hdr.mode),
		UID:      uint32(hdr.uid),
		GID:      uint32(hdr.gid),
		ModTime:  hdr.mtime,
	}

	if longName != "" {
		entry.Name = longName
	}
	if longLink != "" {
		entry.Linkname = longLink
	}

	// Globals are defaults; per-entry records win. A path or linkpath only
	// makes sense for the entry it precedes, so those keys are ignored in
	// globals rather than renaming everything that follows.
	for key, value := range w.globals {
		if key == paxPath || key == paxLinkpath {
			continue
		}
		if err := applyPAXRecord(entry, key, value); err != nil {
			return nil, err
		}
	}
	for key, value := range pax {
		if err := applyPAXRecord(entry, key, value); err != nil {
			return nil, err
		}
	}

	// Links and directories carry no payload regardless of the size field.
	switch entry.Type {
	case TypeSymlink, TypeHardLink, TypeDir:
		entry.Size = 0
	}

	entry.DataOffset = w.offset
	if entry.Type == TypeFile {
		entry.DataEnd = entry.DataOffset + entry.Size
	} else {
		entry.DataEnd = entry.DataOffset
	}

	if err := w.skipPayload(entry.Size); err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *Walker) readBlock() error {
	n, err := io.ReadFull(w.r, w.block[:])
	if err == io.EOF && n == 0 {
		return io.EOF
	}
	if err != nil {
		return bgzerrors.ErrBadHeader.
			WithOffset(int64(w.offset)).
			WithCause(fmt.Errorf("truncated tar stream: %w", err))
	}
	w.offset += blockSize
	return nil
}

// readPayload reads size bytes of payload plus block padding. Used for the
// small metadata payloads of GNU long-name and PAX headers.
func (w *Walker) readPayload(size uint64) ([]byte, error) {
	padded := paddedSize(size)
	buf := make([]byte, padded)
	if _, err := io.ReadFull(w.r, buf); err != nil {
		return nil, bgzerrors.ErrBadHeader.
			WithOffset(int64(w.offset)).
			WithCause(fmt.Errorf("truncated metadata payload: %w", err))
	}
	w.offset += padded
	return buf[:size], nil
}

func (w *Walker) skipPayload(size uint64) error {
	padded := paddedSize(size)
	if padded == 0 {
		return nil
	}
	n, err := io.CopyN(io.Discard, w.r, int64(padded))
	w.offset += uint64(n)
	if err != nil {
		return bgzerrors.ErrBadHeader.
			WithOffset(int64(w.offset)).
			WithCause(fmt.Errorf("truncated entry payload: %w", err))
	}
	return nil
}

func paddedSize(size uint64) uint64 {
	return (size + blockSize - 1) &^ uint64(blockSize-1)
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

// rawHeader holds the decoded fields of a single 512-byte header block
// before GNU/PAX merging.
type rawHeader struct {
	name     string
	linkname string
	typeflag byte
	size     uint64
	mode     int64
	uid      int64
	gid      int64
	mtime    int64
}

func parseHeader(block []byte) (*rawHeader, error) {
	name := trimNul(string(block[fieldName : fieldName+lenName]))

	// USTar prefix field extends the name.
	magic := string(block[fieldMagic : fieldMagic+5])
	if magic == "ustar" {
		prefix := trimNul(string(block[fieldPrefix : fieldPrefix+lenPrefix]))
		if prefix != "" {
			name = prefix + "/" + name
		}
	}

	size, err := parseNumeric(block[fieldSize : fieldSize+lenNumeric12])
	if err != nil {
		return nil, fmt.Errorf("size field: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative size %d", size)
	}
	mode, err := parseNumeric(block[fieldMode : fieldMode+lenNumeric8])
	if err != nil {
		return nil, fmt.Errorf("mode field: %w", err)
	}
	uid, err := parseNumeric(block[fieldUID : fieldUID+lenNumeric8])
	if err != nil {
		return nil, fmt.Errorf("uid field: %w", err)
	}
	gid, err := parseNumeric(block[fieldGID : fieldGID+lenNumeric8])
	if err != nil {
		return nil, fmt.Errorf("gid field: %w", err)
	}
	mtime, err := parseNumeric(block[fieldMtime : fieldMtime+lenNumeric12])
	if err != nil {
		return nil, fmt.Errorf("mtime field: %w", err)
	}

	return &rawHeader{
		name:     name,
		linkname: trimNul(string(block[fieldLinkname : fieldLinkname+lenLinkname])),
		typeflag: block[fieldTypeflag],
		size:     uint64(size),
		mode:     mode,
		uid:      uid,
		gid:      gid,
		mtime:    mtime,
	}, nil
}

func classify(typeflag byte) EntryType {
	switch typeflag {
	case '0', 0, '7':
		return TypeFile
	case '1':
		return TypeHardLink
	case '2':
		return TypeSymlink
	case '5':
		return TypeDir
	default:
		return TypeOther
	}
}

// verifyChecksum recomputes the header checksum with the checksum field
// treated as spaces and compares it against the stored octal value. Both
// the unsigned sum and the historical signed-byte sum are accepted.
func verifyChecksum(block []byte) error {
	stored, err := parseNumeric(block[fieldChecksum : fieldChecksum+lenNumeric8])
	if err != nil {
		return fmt.Errorf("checksum field: %w", err)
	}

	var unsigned, signed int64
	for i, b := range block {
		if i >= fieldChecksum && i < fieldChecksum+lenNumeric8 {
			b = ' '
		}
		unsigned += int64(b)
		signed += int64(int8(b))
	}

	if stored != unsigned && stored != signed {
		return fmt.Errorf("checksum mismatch: stored %d, computed %d", stored, unsigned)
	}
	return nil
}

// parseNumeric decodes a tar numeric field: NUL/space-terminated octal, or
// the GNU base-256 binary encoding when the high bit of the first byte is
// set.
func parseNumeric(field []byte) (int64, error) {
	if len(field) > 0 && field[0]&0x80 != 0 {
		var v int64
		for i, b := range field {
			if i == 0 {
				b &= 0x7f
			}
			if v > (1<<55) { // would overflow int64 on the next shift
				return 0, fmt.Errorf("base-256 value too large")
			}
			v = v<<8 | int64(b)
		}
		return v, nil
	}

	s := strings.Trim(string(field), " \x00")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid octal %q", s)
	}
	return v, nil
}

func trimNul(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}
