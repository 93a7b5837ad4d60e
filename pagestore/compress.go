package pagestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec used by a compressing store.
type Compression uint8

const (
	// CompressionNone stores pages verbatim.
	CompressionNone Compression = iota
	// CompressionLZ4 favors speed over ratio.
	CompressionLZ4
	// CompressionZstd favors ratio over speed.
	CompressionZstd
)

// Compressed pages carry a five byte header: one codec tag byte followed by
// the uncompressed length as a little-endian uint32. CompressionNone pages
// carry the tag byte only.
const compressHeaderSize = 5

// CompressingStore wraps another PageStore and compresses page bytes on the
// way in. Reads transparently decompress, including pages written before
// compression was enabled or with a different codec.
type CompressingStore struct {
	inner PageStore
	codec Compression

	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

// NewCompressingStore wraps inner with the given codec.
func NewCompressingStore(inner PageStore, codec Compression) *CompressingStore {
	return &CompressingStore{inner: inner, codec: codec}
}

func (s *CompressingStore) encoder() *zstd.Encoder {
	s.encOnce.Do(func() {
		// Level favors throughput: page write-back sits on the eviction path.
		s.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return s.enc
}

func (s *CompressingStore) decoder() *zstd.Decoder {
	s.decOnce.Do(func() {
		s.dec, _ = zstd.NewReader(nil)
	})
	return s.dec
}

// WritePage compresses and stores the page bytes.
func (s *CompressingStore) WritePage(ctx context.Context, id PageID, data []byte) error {
	switch s.codec {
	case CompressionNone:
		out := make([]byte, 1+len(data))
		out[0] = byte(CompressionNone)
		copy(out[1:], data)
		return s.inner.WritePage(ctx, id, out)

	case CompressionLZ4:
		out := make([]byte, compressHeaderSize+lz4.CompressBlockBound(len(data)))
		out[0] = byte(CompressionLZ4)
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, out[compressHeaderSize:])
		if err != nil {
			return fmt.Errorf("lz4 compress page %s: %w", id, err)
		}
		if n == 0 {
			// Incompressible; fall back to a verbatim page.
			out = make([]byte, 1+len(data))
			out[0] = byte(CompressionNone)
			copy(out[1:], data)
			return s.inner.WritePage(ctx, id, out)
		}
		return s.inner.WritePage(ctx, id, out[:compressHeaderSize+n])

	case CompressionZstd:
		out := make([]byte, compressHeaderSize)
		out[0] = byte(CompressionZstd)
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(data)))
		out = s.encoder().EncodeAll(data, out)
		return s.inner.WritePage(ctx, id, out)

	default:
		return fmt.Errorf("unknown compression codec %d", s.codec)
	}
}

// ReadPage loads and decompresses the page bytes.
func (s *CompressingStore) ReadPage(ctx context.Context, id PageID) ([]byte, error) {
	raw, err := s.inner.ReadPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("page %s: empty compressed frame", id)
	}

	switch Compression(raw[0]) {
	case CompressionNone:
		return raw[1:], nil

	case CompressionLZ4:
		if len(raw) < compressHeaderSize {
			return nil, fmt.Errorf("page %s: truncated lz4 frame", id)
		}
		size := binary.LittleEndian.Uint32(raw[1:5])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(raw[compressHeaderSize:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress page %s: %w", id, err)
		}
		return out[:n], nil

	case CompressionZstd:
		if len(raw) < compressHeaderSize {
			return nil, fmt.Errorf("page %s: truncated zstd frame", id)
		}
		size := binary.LittleEndian.Uint32(raw[1:5])
		out, err := s.decoder().DecodeAll(raw[compressHeaderSize:], make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress page %s: %w", id, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("page %s: unknown compression tag %d", id, raw[0])
	}
}

// DeletePage removes the page from the wrapped store.
func (s *CompressingStore) DeletePage(ctx context.Context, id PageID) error {
	return s.inner.DeletePage(ctx, id)
}
