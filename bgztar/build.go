package bgztar

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
	"github.com/flaneur2020/bgz-tar/bgztar/logger"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

// ProgressCallback is called during build or extraction to report progress.
// current: bytes processed so far
// total: total byte count (may be -1 if unknown)
type ProgressCallback func(current int64, total int64)

type buildOptions struct {
	progress  ProgressCallback
	totalSize int64
	writer    *IndexWriter
}

// BuildOption customizes a Build call.
type BuildOption func(*buildOptions)

// WithProgress reports compressed bytes consumed during the scan.
func WithProgress(cb ProgressCallback) BuildOption {
	return func(o *buildOptions) { o.progress = cb }
}

// WithTotalSize supplies the compressed archive size for progress
// reporting, when the caller knows it.
func WithTotalSize(n int64) BuildOption {
	return func(o *buildOptions) { o.totalSize = n }
}

// withIndexWriter streams block and entry records into w as they are
// discovered. Used by BuildFile.
func withIndexWriter(w *IndexWriter) BuildOption {
	return func(o *buildOptions) { o.writer = w }
}

// Build indexes a block-gzip compressed tar archive read from r.
//
// The scan is a producer/consumer pipeline over the decompressed logical
// stream: one stage discovers member boundaries and decompresses them in
// order, the tar walker consumes the decompressed bytes as they become
// available. The two stages share a pipe and run under an errgroup; ctx
// cancellation takes effect at the next block boundary. A partial index is
// never returned.
func Build(ctx context.Context, r io.Reader, opts ...BuildOption) (*Index, error) {
	options := buildOptions{totalSize: -1}
	for _, opt := range opts {
		opt(&options)
	}

	digester := digest.Canonical.Digester()
	scanner := bgzf.NewScanner(io.TeeReader(r, digester.Hash()))

	pr, pw := io.Pipe()
	walker := tarwalk.NewWalker(pr)

	var (
		blocks  []bgzf.Block
		entries []tarwalk.Entry
		scanErr error
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer pw.Close()
		var consumed int64
		for {
			select {
			case <-ctx.Done():
				scanErr = ctx.Err()
				pw.CloseWithError(scanErr)
				return scanErr
			default:
			}

			member, err := scanner.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				scanErr = err
				pw.CloseWithError(err)
				return err
			}

			blocks = append(blocks, member.Block)
			if options.writer != nil {
				if err := options.writer.AppendBlock(member.Block); err != nil {
					scanErr = err
					pw.CloseWithError(err)
					return err
				}
			}

			payload, err := member.Decompress()
			if err != nil {
				scanErr = err
				pw.CloseWithError(err)
				return err
			}
			if _, err := pw.Write(payload); err != nil {
				return err
			}

			consumed += int64(member.Block.CompressedLength)
			if options.progress != nil {
				options.progress(consumed, options.totalSize)
			}
		}
	})

	g.Go(func() error {
		for {
			entry, err := walker.Next()
			if err == io.EOF {
				// Drain trailing padding so the producer never blocks on a
				// full pipe.
				io.Copy(io.Discard, pr)
				return nil
			}
			if err != nil {
				pr.CloseWithError(err)
				return err
			}

			logger.Debug("indexed %s %q at %d (+%d bytes)",
				entry.Type, entry.Name, entry.DataOffset, entry.Size)
			entries = append(entries, *entry)
			if options.writer != nil {
				if err := options.writer.AppendEntry(*entry); err != nil {
					pr.CloseWithError(err)
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		// The walker reports pipe breakage as a tar error; the scanner's
		// framing error is the root cause, so prefer it.
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, err
	}

	idx := &Index{
		Version:       FormatVersion,
		ArchiveDigest: digester.Digest(),
		Blocks:        blocks,
		Entries:       entries,
	}
	if err := checkCoverage(idx); err != nil {
		return nil, err
	}

	logger.Info("indexed %d entries across %d blocks (%d compressed, %d uncompressed bytes)",
		len(idx.Entries), len(idx.Blocks), idx.CompressedSize(), idx.UncompressedSize())
	return idx, nil
}

// checkCoverage verifies that every entry's data range lies within the
// union of block ranges. Entries arrive in non-decreasing offset order and
// blocks are contiguous and sorted, so a monotone block pointer makes the
// check linear in blocks+entries.
func checkCoverage(idx *Index) error {
	bi := 0
	for _, entry := range idx.Entries {
		if entry.DataOffset == entry.DataEnd {
			continue
		}

		for bi < len(idx.Blocks) && idx.Blocks[bi].UncompressedEnd() <= entry.DataOffset {
			bi++
		}
		if bi == len(idx.Blocks) || idx.Blocks[bi].UncompressedOffset > entry.DataOffset {
			return coverageError(entry)
		}

		for j := bi; idx.Blocks[j].UncompressedEnd() < entry.DataEnd; {
			j++
			if j == len(idx.Blocks) ||
				idx.Blocks[j].UncompressedOffset != idx.Blocks[j-1].UncompressedEnd() {
				return coverageError(entry)
			}
		}
	}
	return nil
}

func coverageError(entry tarwalk.Entry) error {
	return bgzerrors.ErrIndexInconsistency.
		WithDetail("name", entry.Name).
		WithOffset(int64(entry.DataOffset)).
		WithCause(fmt.Errorf("data range [%d, %d) not covered by block map",
			entry.DataOffset, entry.DataEnd))
}
