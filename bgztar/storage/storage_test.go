package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	bgzerrors "github.com/flaneur2020/bgz-tar/bgztar/errors"
)

func TestFileStorageReadRange(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "obj"), data, 0o644))

	store := NewFileStorage(dir)
	ctx := context.Background()

	size, err := store.Size(ctx, "obj")
	require.NoError(t, err)
	require.EqualValues(t, len(data), size)

	rc, err := store.ReadRange(ctx, "obj", 4, 6)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("456789"), got)

	// Zero length reads to the end of the object.
	rc, err = store.ReadRange(ctx, "obj", 10, 0)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("abcdef"), got)
}

func TestFileStorageLiteralPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, []byte("xy"), 0o644))

	store := NewFileStorage("")
	size, err := store.Size(context.Background(), path)
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func TestFileStorageMissingObject(t *testing.T) {
	store := NewFileStorage(t.TempDir())

	_, err := store.Size(context.Background(), "absent")
	require.True(t, errors.Is(err, bgzerrors.ErrFetchFailed))

	_, err = store.ReadRange(context.Background(), "absent", 0, 1)
	require.True(t, errors.Is(err, bgzerrors.ErrFetchFailed))
}

func rangeServer(t *testing.T, data []byte, gotAuth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}

		rng := r.Header.Get("Range")
		if !strings.HasPrefix(rng, "bytes=") {
			w.Write(data)
			return
		}
		parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end := len(data) - 1
		if parts[1] != "" {
			end, _ = strconv.Atoi(parts[1])
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func TestHTTPStorageReadRange(t *testing.T) {
	data := []byte("0123456789abcdef")
	var gotAuth string
	srv := rangeServer(t, data, &gotAuth)
	defer srv.Close()

	store := NewHTTPStorage(srv.Client()).WithToken("sekrit")
	ctx := context.Background()

	size, err := store.Size(ctx, srv.URL+"/obj")
	require.NoError(t, err)
	require.EqualValues(t, len(data), size)
	require.Equal(t, "Bearer sekrit", gotAuth)

	rc, err := store.ReadRange(ctx, srv.URL+"/obj", 4, 6)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("456789"), got)
}

func TestHTTPStorageFullBodyFallback(t *testing.T) {
	// A server that ignores Range and answers 200 with the whole object.
	data := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	store := NewHTTPStorage(srv.Client())
	rc, err := store.ReadRange(context.Background(), srv.URL+"/obj", 4, 6)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("456789"), got)
}

func TestHTTPStorageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	store := NewHTTPStorage(srv.Client())

	_, err := store.Size(context.Background(), srv.URL+"/obj")
	require.True(t, errors.Is(err, bgzerrors.ErrFetchFailed))

	_, err = store.ReadRange(context.Background(), srv.URL+"/obj", 0, 1)
	require.True(t, errors.Is(err, bgzerrors.ErrFetchFailed))
}
