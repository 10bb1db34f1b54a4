package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

// FileStorage serves ranged reads from the local filesystem. Object names
// are paths, resolved under Root when Root is non-empty.
type FileStorage struct {
	Root string
}

// NewFileStorage returns a FileStorage rooted at root. An empty root treats
// object names as literal paths.
func NewFileStorage(root string) *FileStorage {
	return &FileStorage{Root: root}
}

func (s *FileStorage) path(object string) string {
	if s.Root == "" {
		return object
	}
	return filepath.Join(s.Root, object)
}

func (s *FileStorage) Size(ctx context.Context, object string) (int64, error) {
	info, err := os.Stat(s.path(object))
	if err != nil {
		return 0, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(err)
	}
	return info.Size(), nil
}

func (s *FileStorage) ReadRange(ctx context.Context, object string, offset int64, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(object))
	if err != nil {
		return nil, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(err)
	}

	if length == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(err)
		}
		length = info.Size() - offset
	}

	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, offset, length),
		f:             f,
	}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}
