package wal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how record values are stored.
type Compression uint8

const (
	// CompressionNone stores values as-is.
	CompressionNone Compression = 0
	// CompressionZstd stores values zstd-compressed (better ratio).
	CompressionZstd Compression = 1
	// CompressionLZ4 stores values as LZ4 blocks (faster).
	CompressionLZ4 Compression = 2
)

// compressionThreshold is the smallest value worth compressing.
const compressionThreshold = 256

const flagCompressionMask = 0x03

var errDecompressedSize = errors.New("decompressed size mismatch")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a name ("none", "zstd", "lz4") to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressValue returns the stored form of value and the compression that
// was actually applied. Small or incompressible values are stored raw.
func compressValue(value []byte, c Compression) ([]byte, Compression) {
	if c == CompressionNone || len(value) < compressionThreshold {
		return value, CompressionNone
	}

	var out []byte
	switch c {
	case CompressionZstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(value, nil)
		zstdEncoderPool.Put(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, buf, nil)
		if err != nil || n == 0 {
			return value, CompressionNone
		}
		out = buf[:n]
	default:
		return value, CompressionNone
	}

	// Not worth it below a 10% saving.
	if len(out) == 0 || float64(len(out)) > float64(len(value))*0.9 {
		return value, CompressionNone
	}
	return out, c
}

func decompressValue(stored []byte, rawLen uint32, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		if uint32(len(stored)) != rawLen {
			return nil, errDecompressedSize
		}
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != rawLen {
			return nil, errDecompressedSize
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawLen {
			return nil, errDecompressedSize
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrMalformed, c)
	}
}
