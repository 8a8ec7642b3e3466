package chunker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	bytes.Buffer
	writes  int
	flushes int
	maxLen  int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	if len(p) > w.maxLen {
		w.maxLen = len(p)
	}
	return w.Buffer.Write(p)
}

func (w *countingWriter) Flush() { w.flushes++ }

func TestCopy_BoundedChunks(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1000) // 8000 bytes
	c := NewChunker(1024)
	dst := &countingWriter{}

	n, err := c.Copy(context.Background(), dst, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, dst.Bytes())
	assert.Equal(t, 8, dst.writes)
	assert.Equal(t, 8, dst.flushes)
	assert.LessOrEqual(t, dst.maxLen, 1024)
}

func TestCopy_EmptySource(t *testing.T) {
	dst := &countingWriter{}
	n, err := NewChunker(16).Copy(context.Background(), dst, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, dst.writes)
}

func TestCopy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewChunker(16).Copy(ctx, &bytes.Buffer{}, bytes.NewReader([]byte("payload")))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCopyWithHash(t *testing.T) {
	data := []byte("the quick brown fox")
	var dst bytes.Buffer

	n, hash, err := NewChunker(4).CopyWithHash(context.Background(), &dst, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), n)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
	assert.Equal(t, data, dst.Bytes())
}

func TestNewChunker_DefaultSize(t *testing.T) {
	assert.Equal(t, int64(DefaultChunkSize), NewChunker(0).ChunkSize())
}
