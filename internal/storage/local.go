package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maneesh/vidstream/internal/apperr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LocalStore keeps video bytes under a directory on local disk
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if it does not exist
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// path resolves a key inside root, rejecting anything that escapes it
func (ls *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", apperr.New(apperr.ValidationFailed, "invalid storage key %q", key)
	}
	return filepath.Join(ls.root, clean), nil
}

func (ls *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, span := tracer.Start(ctx, "local.put",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	p, err := ls.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}

	// write to a temp file and rename so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		span.RecordError(err)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

// Open seeks to offset and limits the reader to length bytes
func (ls *LocalStore) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := ls.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.FileMissing, "video file not found").WithDetail("key", key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek object: %w", err)
		}
	}
	if length <= 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

func (ls *LocalStore) Stat(ctx context.Context, key string) (int64, error) {
	p, err := ls.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, apperr.New(apperr.FileMissing, "video file not found").WithDetail("key", key)
	} else if err != nil {
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return info.Size(), nil
}

func (ls *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := ls.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
