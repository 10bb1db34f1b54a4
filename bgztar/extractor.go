package bgztar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
	"github.com/flaneur2020/bgz-tar/bgztar/logger"
	"github.com/flaneur2020/bgz-tar/bgztar/storage"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

// ExtractStats contains statistics about an extraction operation
type ExtractStats struct {
	TotalFiles     int
	TotalBytes     int64
	ExtractedFiles int
	ExtractedBytes int64
	FailedFiles    int
}

// Extractor reproduces entry contents from a compressed archive using only
// the index and ranged reads, never touching bytes outside the resolved
// compressed ranges.
type Extractor interface {
	// ExtractFile writes the contents of the named file entry to w. When
	// the archive holds duplicates of the name, the last one wins.
	ExtractFile(ctx context.Context, object string, name string, w io.Writer, progress ProgressCallback) error

	// ExtractDir extracts all file entries under dirPath into outputDir,
	// preserving directory structure. Use "." or "/" for the whole archive.
	ExtractDir(ctx context.Context, object string, dirPath string, outputDir string, progress ProgressCallback) (*ExtractStats, error)
}

type extractor struct {
	index *Index
	store storage.Storage
}

func NewExtractor(index *Index, store storage.Storage) Extractor {
	return &extractor{
		index: index,
		store: store,
	}
}

func (e *extractor) ExtractFile(ctx context.Context, object string, name string, w io.Writer, progress ProgressCallback) error {
	resolved, err := e.index.Resolve(name, MatchLast)
	if err != nil {
		return err
	}

	match := resolved[0]
	if match.Entry.Type != tarwalk.TypeFile {
		return bgzerrors.ErrNotFound.
			WithDetail("name", name).
			WithCause(fmt.Errorf("entry is a %s, not a file", match.Entry.Type))
	}
	return e.writeResolved(ctx, object, match, w, progress)
}

// writeResolved fetches each compressed range, decompresses the block it
// covers, applies the residual trims and writes out the entry bytes.
func (e *extractor) writeResolved(ctx context.Context, object string, match *ResolvedEntry, w io.Writer, progress ProgressCallback) error {
	var (
		rng     = match.Range
		total   = int64(match.Entry.Size)
		written int64
	)

	for i, byteRange := range rng.CompressedRanges {
		payload, err := e.fetchBlock(ctx, object, byteRange)
		if err != nil {
			return err
		}

		if i == 0 {
			if int(rng.LeadingTrim) > len(payload) {
				return bgzerrors.ErrIndexInconsistency.
					WithDetail("name", match.Entry.Name).
					WithCause(fmt.Errorf("leading trim %d exceeds block payload %d", rng.LeadingTrim, len(payload)))
			}
			payload = payload[rng.LeadingTrim:]
		}
		if i == len(rng.CompressedRanges)-1 {
			if int(rng.TrailingTrim) > len(payload) {
				return bgzerrors.ErrIndexInconsistency.
					WithDetail("name", match.Entry.Name).
					WithCause(fmt.Errorf("trailing trim %d exceeds block payload %d", rng.TrailingTrim, len(payload)))
			}
			payload = payload[:len(payload)-int(rng.TrailingTrim)]
		}

		if _, err := w.Write(payload); err != nil {
			return err
		}
		written += int64(len(payload))
		if progress != nil {
			progress(written, total)
		}
	}

	if written != total {
		return bgzerrors.ErrIndexInconsistency.
			WithDetail("name", match.Entry.Name).
			WithCause(fmt.Errorf("extracted %d bytes, entry declares %d", written, total))
	}
	return nil
}

// fetchBlock reads one compressed block range from storage and returns its
// decompressed payload.
func (e *extractor) fetchBlock(ctx context.Context, object string, byteRange ByteRange) ([]byte, error) {
	rc, err := e.store.ReadRange(ctx, object, int64(byteRange.Offset), int64(byteRange.Length))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	member, err := bgzf.NewScanner(rc).Next()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, bgzerrors.ErrFetchFailed.
			WithDetail("object", object).
			WithDetail("offset", byteRange.Offset).
			WithCause(err)
	}
	return member.Decompress()
}

func (e *extractor) ExtractDir(ctx context.Context, object string, dirPath string, outputDir string, progress ProgressCallback) (*ExtractStats, error) {
	entries := e.index.FilterEntries(dirPath)

	var files []tarwalk.Entry
	seen := make(map[string]int)
	for _, entry := range entries {
		if entry.Type != tarwalk.TypeFile {
			continue
		}
		// Last duplicate supersedes earlier ones.
		if i, ok := seen[entry.Name]; ok {
			files[i] = entry
			continue
		}
		seen[entry.Name] = len(files)
		files = append(files, entry)
	}

	stats := &ExtractStats{TotalFiles: len(files)}
	for _, entry := range files {
		stats.TotalBytes += int64(entry.Size)
	}
	if len(files) == 0 {
		return stats, nil
	}

	if progress != nil {
		progress(0, stats.TotalBytes)
	}

	var currentTotal int64
	for _, entry := range files {
		outputPath := filepath.Join(outputDir, filepath.Clean(normalizePath(entry.Name)))

		var fileProgress ProgressCallback
		if progress != nil {
			base := currentTotal
			fileProgress = func(current, total int64) {
				progress(base+current, stats.TotalBytes)
			}
		}

		if err := e.extractToPath(ctx, object, entry.Name, outputPath, fileProgress); err != nil {
			logger.Warn("failed to extract %q: %v", entry.Name, err)
			stats.FailedFiles++
			continue
		}

		currentTotal += int64(entry.Size)
		stats.ExtractedFiles++
		stats.ExtractedBytes += int64(entry.Size)
	}

	return stats, nil
}

func (e *extractor) extractToPath(ctx context.Context, object, name, outputPath string, progress ProgressCallback) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	return e.ExtractFile(ctx, object, name, out, progress)
}
