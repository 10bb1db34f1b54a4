package bgztar

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
)

// fixtureFile is one entry to place in a test archive, in order. A
// non-empty linkname makes a symlink, dir makes a directory, otherwise
// the entry is a regular file.
type fixtureFile struct {
	name     string
	content  []byte
	linkname string
	dir      bool
}

// makeArchive produces a block-gzip compressed tar archive holding the
// given files, compressed at blockSize uncompressed bytes per member so
// tests can force entries to span block boundaries.
func makeArchive(t *testing.T, files []fixtureFile, blockSize int) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(f.content)),
		}
		switch {
		case f.dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
			hdr.Size = 0
		case f.linkname != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.linkname
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write(f.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	bw, err := bgzf.NewWriterSize(&out, blockSize)
	require.NoError(t, err)
	_, err = bw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return out.Bytes()
}

// emptyArchive produces a compressed archive holding only the tar end
// marker.
func emptyArchive(t *testing.T) []byte {
	t.Helper()
	return makeArchive(t, nil, bgzf.DefaultBlockSize)
}
