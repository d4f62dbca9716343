// Package stream implements the gateway's write-through tee: a
// registry blob is copied to the HTTP client and, concurrently and
// without blocking the client, into the blob mirror.
package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/linyinfeng/oranc/internal/mirror"
)

// TeeToMirror streams src to dst while simultaneously uploading it to
// store via a pipe. Mirroring is best-effort: if the upload fails, the
// client still receives every byte uninterrupted.
//
// The flow:
//
//	registry body → TeeReader → io.Copy(dst, tee) → client
//	                   │
//	                   └→ safeWriter → PipeWriter → PipeReader → store.Put
func TeeToMirror(ctx context.Context, src io.Reader, dst http.ResponseWriter, store mirror.Store, key mirror.Key, contentType string) error {
	pr, pw := io.Pipe()

	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	uploadDone := make(chan struct{})
	go func() {
		defer close(uploadDone)
		err := store.Put(context.Background(), key, contentType, readerOnly{pr})
		if err != nil {
			slog.Debug("mirror upload failed", "key", key, "error", err)
			io.Copy(io.Discard, pr)
		} else {
			slog.Debug("mirrored", "key", key)
		}
	}()

	_, copyErr := io.Copy(dst, tee)

	pw.Close()
	<-uploadDone

	return copyErr
}

// readerOnly wraps an io.Reader to hide its concrete type from store
// implementations that may treat *io.PipeReader specially.
type readerOnly struct{ io.Reader }

// safeWriter wraps an io.Writer and silently discards writes after any
// error, so the TeeReader never sees a write failure and the client
// stream is never interrupted by mirror issues.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}
