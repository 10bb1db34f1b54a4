package bgztar

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

func TestBuildIndexesAllEntries(t *testing.T) {
	files := []fixtureFile{
		{name: "bin/tool", content: bytes.Repeat([]byte("T"), 3000)},
		{name: "etc/conf", content: []byte("key=value\n")},
		{name: "data/blob", content: bytes.Repeat([]byte{0x5a}, 10000)},
	}
	compressed := makeArchive(t, files, 1024)

	idx, err := Build(context.Background(), bytes.NewReader(compressed))
	require.NoError(t, err)

	require.Equal(t, FormatVersion, idx.Version)
	require.NotEmpty(t, idx.ArchiveDigest)
	require.NoError(t, idx.ArchiveDigest.Validate())

	require.Len(t, idx.Entries, 3)
	for i, f := range files {
		entry := idx.Entries[i]
		require.Equal(t, f.name, entry.Name)
		require.Equal(t, tarwalk.TypeFile, entry.Type)
		require.EqualValues(t, len(f.content), entry.Size)
	}

	// The block map covers the whole compressed and uncompressed stream.
	require.EqualValues(t, len(compressed), idx.CompressedSize())
	for i := 1; i < len(idx.Blocks); i++ {
		require.Equal(t, idx.Blocks[i-1].CompressedEnd(), idx.Blocks[i].CompressedOffset)
		require.Equal(t, idx.Blocks[i-1].UncompressedEnd(), idx.Blocks[i].UncompressedOffset)
	}

	// Every entry's data range is inside the block union.
	for _, entry := range idx.Entries {
		require.LessOrEqual(t, entry.DataEnd, idx.UncompressedSize())
	}
}

func TestBuildEmptyArchive(t *testing.T) {
	idx, err := Build(context.Background(), bytes.NewReader(emptyArchive(t)))
	require.NoError(t, err)
	require.Empty(t, idx.Entries)

	_, err = idx.Resolve("anything", MatchFirst)
	require.True(t, errors.Is(err, bgzerrors.ErrNotFound))
}

func TestBuildZeroByteInput(t *testing.T) {
	// No blocks at all is a valid (if degenerate) archive.
	idx, err := Build(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	require.Empty(t, idx.Blocks)
	require.Empty(t, idx.Entries)
}

func TestBuildCorruptFraming(t *testing.T) {
	compressed := makeArchive(t, []fixtureFile{{name: "a", content: []byte("aaa")}}, 1024)

	_, err := Build(context.Background(), bytes.NewReader(compressed[:len(compressed)-10]))
	require.True(t, errors.Is(err, bgzerrors.ErrCorruptArchive), "got %v", err)
}

func TestBuildBadTarStream(t *testing.T) {
	// Valid block-gzip container wrapping bytes that are not a tar stream.
	junk := bytes.Repeat([]byte("not a tar header at all "), 64) // 1536 bytes
	var out bytes.Buffer
	bw, err := bgzf.NewWriterSize(&out, 1024)
	require.NoError(t, err)
	_, err = bw.Write(junk)
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	_, err = Build(context.Background(), bytes.NewReader(out.Bytes()))
	require.True(t, errors.Is(err, bgzerrors.ErrBadHeader), "got %v", err)
}

func TestBuildReportsProgress(t *testing.T) {
	compressed := makeArchive(t, []fixtureFile{
		{name: "f", content: bytes.Repeat([]byte("p"), 5000)},
	}, 1024)

	var last, total int64
	_, err := Build(context.Background(), bytes.NewReader(compressed),
		WithProgress(func(cur, tot int64) { last, total = cur, tot }),
		WithTotalSize(int64(len(compressed))))
	require.NoError(t, err)
	require.EqualValues(t, len(compressed), last)
	require.EqualValues(t, len(compressed), total)
}

func TestBuildCancellation(t *testing.T) {
	compressed := makeArchive(t, []fixtureFile{
		{name: "f", content: bytes.Repeat([]byte("c"), 50000)},
	}, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, bytes.NewReader(compressed))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildDeterministicDigest(t *testing.T) {
	compressed := makeArchive(t, []fixtureFile{{name: "d", content: []byte("digest me")}}, 1024)

	idx1, err := Build(context.Background(), bytes.NewReader(compressed))
	require.NoError(t, err)
	idx2, err := Build(context.Background(), bytes.NewReader(compressed))
	require.NoError(t, err)
	require.Equal(t, idx1.ArchiveDigest, idx2.ArchiveDigest)
}
