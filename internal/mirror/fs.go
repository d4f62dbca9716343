package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/linyinfeng/oranc/internal/ocerr"
)

// FSMirror stores mirrored objects under root, one data file plus one
// JSON metadata sidecar per key, written atomically via a temp file
// renamed into place.
type FSMirror struct {
	root string
}

func NewFSMirror(root string) *FSMirror {
	return &FSMirror{root: root}
}

func (m *FSMirror) dataPath(key Key) string {
	return filepath.Join(m.root, key.Registry, key.Repository, key.Object)
}

func (m *FSMirror) metaPath(key Key) string {
	return m.dataPath(key) + ".meta.json"
}

type fsMeta struct {
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
}

func (m *FSMirror) Head(_ context.Context, key Key) (ObjectMeta, bool, error) {
	fm, err := m.readMeta(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectMeta{}, false, nil
		}
		return ObjectMeta{}, false, err
	}
	return ObjectMeta{ContentType: fm.ContentType, ContentLength: fm.ContentLength}, true, nil
}

func (m *FSMirror) Get(_ context.Context, key Key) (io.ReadCloser, ObjectMeta, error) {
	fm, err := m.readMeta(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ObjectMeta{}, ErrNotExist
		}
		return nil, ObjectMeta{}, err
	}
	f, err := os.Open(m.dataPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ObjectMeta{}, ErrNotExist
		}
		return nil, ObjectMeta{}, ocerr.Wrap(ocerr.Infrastructure, "opening mirrored object", err)
	}
	return f, ObjectMeta{ContentType: fm.ContentType, ContentLength: fm.ContentLength}, nil
}

func (m *FSMirror) Put(_ context.Context, key Key, contentType string, body io.Reader) error {
	dataPath := m.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return ocerr.Wrap(ocerr.Infrastructure, "creating mirror directory", err)
	}

	n, err := atomicWrite(dataPath, body)
	if err != nil {
		return err
	}

	meta := fsMeta{ContentType: contentType, ContentLength: n}
	raw, err := json.Marshal(meta)
	if err != nil {
		return ocerr.Wrap(ocerr.Infrastructure, "marshalling mirror metadata", err)
	}
	if _, err := atomicWrite(m.metaPath(key), bytes.NewReader(raw)); err != nil {
		return err
	}
	return nil
}

func (m *FSMirror) readMeta(key Key) (fsMeta, error) {
	raw, err := os.ReadFile(m.metaPath(key))
	if err != nil {
		return fsMeta{}, err
	}
	var fm fsMeta
	if err := json.Unmarshal(raw, &fm); err != nil {
		return fsMeta{}, ocerr.Wrap(ocerr.Infrastructure, "decoding mirror metadata", err)
	}
	return fm, nil
}

// atomicWrite copies src to a temp file beside dst and renames it into
// place, so a reader never observes a partially written object.
func atomicWrite(dst string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, ocerr.Wrap(ocerr.Infrastructure, "creating temp file for mirror write", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, ocerr.Wrap(ocerr.Infrastructure, "writing mirror object", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, ocerr.Wrap(ocerr.Infrastructure, "closing mirror temp file", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, ocerr.Wrap(ocerr.Infrastructure, "renaming mirror object into place", err)
	}
	return n, nil
}
