package export

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression names accepted by the compress query parameter.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
)

// NewZstdWriter wraps w in a zstd stream. Close flushes the final frame but
// leaves w open.
func NewZstdWriter(w io.Writer) (io.WriteCloser, error) {
	encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return encoder, nil
}

// NewZstdReader decompresses r. The caller must Close the result.
func NewZstdReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.IOReadCloser(), nil
}
