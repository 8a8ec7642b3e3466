package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// DefaultChunkSize is used when a non-positive size is configured
const DefaultChunkSize = 256 * 1024

// Chunker moves bytes between a reader and a writer in fixed-size chunks so
// memory use stays bounded regardless of file size
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

type flusher interface {
	Flush()
}

// Copy writes src to dst one chunk at a time, flushing dst after every chunk
// when it supports it. It stops early when ctx is done.
func (c *Chunker) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, c.chunkSize)
	f, canFlush := dst.(flusher)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := io.ReadFull(src, buffer)
		if n > 0 {
			w, werr := dst.Write(buffer[:n])
			written += int64(w)
			if werr != nil {
				return written, fmt.Errorf("error writing chunk: %w", werr)
			}
			if canFlush {
				f.Flush()
			}
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return written, nil
		} else if err != nil {
			return written, fmt.Errorf("error reading chunk: %w", err)
		}
	}
}

// CopyWithHash is Copy that also returns the hex SHA-256 of the bytes copied
func (c *Chunker) CopyWithHash(ctx context.Context, dst io.Writer, src io.Reader) (int64, string, error) {
	hasher := sha256.New()
	n, err := c.Copy(ctx, io.MultiWriter(dst, hasher), src)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}
