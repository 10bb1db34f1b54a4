package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

// ReadRecord captures one ranged read served by a MockStorage.
type ReadRecord struct {
	Object string
	Offset int64
	Length int64
}

// MockStorage is an in-memory Storage for tests. It records every ranged
// read so tests can assert that resolution fetched exactly the minimal
// ranges.
type MockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   []ReadRecord
}

func NewMockStorage() *MockStorage {
	return &MockStorage{objects: make(map[string][]byte)}
}

// Put stores an object.
func (s *MockStorage) Put(object string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[object] = data
}

// Reads returns the ranged reads served so far.
func (s *MockStorage) Reads() []ReadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReadRecord, len(s.reads))
	copy(out, s.reads)
	return out
}

func (s *MockStorage) Size(ctx context.Context, object string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[object]
	if !ok {
		return 0, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(fmt.Errorf("no such object"))
	}
	return int64(len(data)), nil
}

func (s *MockStorage) ReadRange(ctx context.Context, object string, offset int64, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[object]
	if !ok {
		return nil, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(fmt.Errorf("no such object"))
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(fmt.Errorf("offset %d out of range", offset))
	}
	end := int64(len(data))
	if length > 0 {
		end = offset + length
		if end > int64(len(data)) {
			return nil, bgzerrors.ErrFetchFailed.WithDetail("object", object).WithCause(fmt.Errorf("range [%d, %d) out of bounds", offset, end))
		}
	}

	s.reads = append(s.reads, ReadRecord{Object: object, Offset: offset, Length: length})
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}
