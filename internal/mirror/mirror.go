// Package mirror implements the optional write-through blob mirror that
// sits behind the gateway's GET/HEAD path: a local filesystem or
// S3-compatible bucket that the gateway consults before round-tripping
// to the backing registry, and tees fresh registry reads into.
//
// The mirror is strictly a latency optimization. Any Store failure is
// reported to the caller, who is expected to log it and fall back to
// the registry path rather than fail the request.
package mirror

import (
	"context"
	"io"
	"net/http"
)

// ObjectMeta carries the response headers worth replaying to a client
// served out of the mirror instead of the registry.
type ObjectMeta struct {
	ContentType   string
	ContentLength int64
	Header        http.Header
}

// Key identifies a mirrored object the same way the registry adapter's
// OciLocation does, so the two stay trivially interchangeable.
type Key struct {
	Registry   string
	Repository string
	Object     string
}

// Store is the mirror backend contract. Head and Get report a clean
// "not present" via (false, nil) / (nil, ObjectMeta{}, ErrNotExist) so
// callers can fall back to the registry without treating a miss as an
// error.
type Store interface {
	Head(ctx context.Context, key Key) (ObjectMeta, bool, error)
	Get(ctx context.Context, key Key) (io.ReadCloser, ObjectMeta, error)
	Put(ctx context.Context, key Key, contentType string, body io.Reader) error
}

// ErrNotExist is returned by Get when the object is not mirrored.
var ErrNotExist = notExistError{}

type notExistError struct{}

func (notExistError) Error() string { return "mirror: object does not exist" }
