package batch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressionLevel selects the codec applied to encoded batches
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	// CompressionFast uses snappy
	CompressionFast
	// CompressionDefault uses zstd at its default speed
	CompressionDefault
	// CompressionBest uses zstd at its best compression
	CompressionBest
)

func (l CompressionLevel) String() string {
	switch l {
	case CompressionNone:
		return "none"
	case CompressionFast:
		return "fast"
	case CompressionDefault:
		return "default"
	case CompressionBest:
		return "best"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseCompressionLevel parses a level name as written in configuration
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "fast", "snappy":
		return CompressionFast, nil
	case "default", "zstd":
		return CompressionDefault, nil
	case "best":
		return CompressionBest, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression level %q", s)
	}
}

// codec holds the zstd encoders and decoder, which are safe for concurrent
// EncodeAll/DecodeAll calls and expensive to build
type codec struct {
	once        sync.Once
	initErr     error
	zstdDefault *zstd.Encoder
	zstdBest    *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

var sharedCodec codec

func (c *codec) init() error {
	c.once.Do(func() {
		if c.zstdDefault, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); c.initErr != nil {
			return
		}
		if c.zstdBest, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression)); c.initErr != nil {
			return
		}
		c.zstdDecoder, c.initErr = zstd.NewReader(nil)
	})
	return c.initErr
}

// Compress encodes data at level
func Compress(level CompressionLevel, data []byte) ([]byte, error) {
	switch level {
	case CompressionNone:
		return data, nil
	case CompressionFast:
		return snappy.Encode(nil, data), nil
	case CompressionDefault, CompressionBest:
		if err := sharedCodec.init(); err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		if level == CompressionBest {
			return sharedCodec.zstdBest.EncodeAll(data, nil), nil
		}
		return sharedCodec.zstdDefault.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression level %d", int(level))
	}
}

// Decompress reverses Compress
func Decompress(level CompressionLevel, data []byte) ([]byte, error) {
	switch level {
	case CompressionNone:
		return data, nil
	case CompressionFast:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case CompressionDefault, CompressionBest:
		if err := sharedCodec.init(); err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := sharedCodec.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression level %d", int(level))
	}
}
