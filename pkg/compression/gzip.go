package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

const (
	// EncodingGzip is the Content-Encoding value for gzip bodies
	EncodingGzip = "gzip"

	// DefaultMaxSize bounds decompressed batches
	DefaultMaxSize int64 = 32 << 20
)

// ErrTooLarge is returned when decompressed data exceeds the size limit
var ErrTooLarge = errors.New("decompressed data exceeds size limit")

// Compressor compresses message batches
type Compressor struct {
	level   int
	maxSize int64
}

// NewCompressor creates a compressor with the default level and size limit
func NewCompressor() *Compressor {
	return &Compressor{
		level:   gzip.DefaultCompression,
		maxSize: DefaultMaxSize,
	}
}

// NewCompressorWithLevel creates a compressor using the given gzip level
func NewCompressorWithLevel(level int) *Compressor {
	c := NewCompressor()
	c.level = level
	return c
}

// WithMaxSize returns a copy of c that rejects larger decompressed output
func (c *Compressor) WithMaxSize(n int64) *Compressor {
	cp := *c
	cp.maxSize = n
	return &cp
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	return c.DecompressReader(bytes.NewReader(data))
}

// DecompressReader reads a GZIP stream, enforcing the size limit
func (c *Compressor) DecompressReader(r io.Reader) ([]byte, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	limit := c.maxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	if n > limit {
		return nil, ErrTooLarge
	}

	return buf.Bytes(), nil
}

// ShouldCompress reports whether a body of size bytes is worth compressing
// given a threshold. A threshold of zero or less disables compression.
func ShouldCompress(size, threshold int) bool {
	return threshold > 0 && size >= threshold
}
