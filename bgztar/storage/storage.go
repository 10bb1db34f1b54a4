// Package storage abstracts the "fetch bytes [a, b) of object O" capability
// that range resolution drives. Implementations cover local files and HTTP
// range requests; the index itself never holds a reference to the archive.
package storage

import (
	"context"
	"io"
)

// Storage provides ranged reads of archive objects.
type Storage interface {
	// Size returns the total byte size of an object.
	Size(ctx context.Context, object string) (int64, error)

	// ReadRange returns a reader over length bytes of the object starting
	// at offset. A length of 0 reads to the end of the object.
	ReadRange(ctx context.Context, object string, offset int64, length int64) (io.ReadCloser, error)
}
