package bgzf

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

func compress(t *testing.T, data []byte, blockSize int) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := NewWriterSize(&buf, blockSize)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestWriterScannerRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000) // 16000 bytes
	compressed := compress(t, data, 4096)

	scanner := NewScanner(bytes.NewReader(compressed))

	var (
		blocks      []Block
		reassembled []byte
	)
	for {
		member, err := scanner.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		payload, err := member.Decompress()
		require.NoError(t, err)
		require.Equal(t, int(member.Block.UncompressedLength), len(payload))

		blocks = append(blocks, member.Block)
		reassembled = append(reassembled, payload...)
	}

	require.Equal(t, data, reassembled)

	// 16000 bytes at 4096 per block is 4 blocks, plus the terminator.
	require.Len(t, blocks, 5)
	require.True(t, blocks[len(blocks)-1].IsEOFMarker())

	// Contiguous and non-overlapping in both domains.
	for i := 1; i < len(blocks); i++ {
		require.Equal(t, blocks[i-1].CompressedEnd(), blocks[i].CompressedOffset)
		require.Equal(t, blocks[i-1].UncompressedEnd(), blocks[i].UncompressedOffset)
	}
	require.EqualValues(t, 0, blocks[0].CompressedOffset)
	require.EqualValues(t, len(compressed), blocks[len(blocks)-1].CompressedEnd())
	require.EqualValues(t, len(data), blocks[len(blocks)-1].UncompressedEnd())
}

func TestScanBlocksEmptyInput(t *testing.T) {
	blocks, err := ScanBlocks(bytes.NewReader(nil))
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestScanBlocksEOFMarkerOnly(t *testing.T) {
	compressed := compress(t, nil, DefaultBlockSize)

	blocks, err := ScanBlocks(bytes.NewReader(compressed))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.True(t, blocks[0].IsEOFMarker())
}

func TestScannerTruncatedMember(t *testing.T) {
	compressed := compress(t, bytes.Repeat([]byte("x"), 10000), 4096)

	for _, cut := range []int{5, 20, len(compressed) - 3} {
		_, err := ScanBlocks(bytes.NewReader(compressed[:cut]))
		require.Error(t, err, "cut at %d", cut)
		require.True(t, errors.Is(err, bgzerrors.ErrCorruptArchive), "cut at %d: %v", cut, err)
	}
}

func TestScannerRejectsPlainGzip(t *testing.T) {
	// A gzip header without the FEXTRA flag is not a block-gzip member.
	plain := []byte{0x1f, 0x8b, 0x08, 0x00, 0, 0, 0, 0, 0, 0xff, 0, 0}

	_, err := ScanBlocks(bytes.NewReader(plain))
	require.True(t, errors.Is(err, bgzerrors.ErrCorruptArchive))
}

func TestScannerRejectsGarbage(t *testing.T) {
	_, err := ScanBlocks(bytes.NewReader([]byte("definitely not gzip data")))
	require.True(t, errors.Is(err, bgzerrors.ErrCorruptArchive))
}

func TestScannerErrorCarriesOffset(t *testing.T) {
	compressed := compress(t, bytes.Repeat([]byte("y"), 9000), 4096)

	// Cut inside the second member: the reported offset names the member
	// that failed, not the start of the stream.
	blocks, err := ScanBlocks(bytes.NewReader(compressed))
	require.NoError(t, err)
	cut := int(blocks[1].CompressedOffset) + 4

	_, err = ScanBlocks(bytes.NewReader(compressed[:cut]))
	var idxErr *bgzerrors.IndexError
	require.True(t, errors.As(err, &idxErr))
	require.Equal(t, int64(blocks[1].CompressedOffset), idxErr.Details["offset"])
}

func TestWriterFlushBoundaries(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriterSize(&buf, 100)
	require.NoError(t, err)

	// 250 bytes crosses two block boundaries; Flush emits the remainder.
	data := bytes.Repeat([]byte("z"), 250)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blocks, err := ScanBlocks(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, blocks, 4) // 100 + 100 + 50 + terminator
	require.EqualValues(t, 100, blocks[0].UncompressedLength)
	require.EqualValues(t, 100, blocks[1].UncompressedLength)
	require.EqualValues(t, 50, blocks[2].UncompressedLength)
	require.True(t, blocks[3].IsEOFMarker())
}

func TestWriterSizeValidation(t *testing.T) {
	_, err := NewWriterSize(io.Discard, 0)
	require.Error(t, err)
	_, err = NewWriterSize(io.Discard, maxBlockSize+1)
	require.Error(t, err)
}

func TestMemberDecompressDetectsLengthMismatch(t *testing.T) {
	compressed := compress(t, []byte("hello block world"), DefaultBlockSize)

	// Corrupt the declared ISIZE of the first member.
	scanner := NewScanner(bytes.NewReader(compressed))
	member, err := scanner.Next()
	require.NoError(t, err)

	end := int(member.Block.CompressedLength)
	corrupted := append([]byte(nil), compressed...)
	corrupted[end-1] ^= 0xff

	member, err = NewScanner(bytes.NewReader(corrupted)).Next()
	require.NoError(t, err)
	_, err = member.Decompress()
	require.True(t, errors.Is(err, bgzerrors.ErrCorruptArchive))
}
