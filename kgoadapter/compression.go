package kgoadapter

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/pkg/errors"
)

// PayloadCodec compresses/decompresses a record value independently of
// kgo's own batch-level broker compression (spec §1.2: "a caller can pick
// per environment exactly as franz-go itself allows"). Producers tag a
// compressed value with a "content-encoding" header so a symmetric consumer
// can reverse it; this is orthogonal to, and stacks with, whatever
// ProducerBatchCompression the ConsumerFactory/ProducerFactory was built
// with.
type PayloadCodec interface {
	Name() string
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// ContentEncodingHeader is set on every record a PayloadCodec compresses, so
// a consumer can pick the matching decoder without guessing.
const ContentEncodingHeader = "content-encoding"

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a PayloadCodec backed by klauspost/compress/zstd.
func NewZstdCodec() (PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: build zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: build zstd decoder")
	}
	return zstdCodec{enc: enc, dec: dec}, nil
}

func (c zstdCodec) Name() string { return "zstd" }

func (c zstdCodec) Compress(p []byte) ([]byte, error) {
	return c.enc.EncodeAll(p, nil), nil
}

func (c zstdCodec) Decompress(p []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(p, nil)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: zstd decode")
	}
	return out, nil
}

type lz4Codec struct{}

// NewLZ4Codec builds a PayloadCodec backed by github.com/pierrec/lz4/v4.
func NewLZ4Codec() PayloadCodec {
	return lz4Codec{}
}

func (c lz4Codec) Name() string { return "lz4" }

func (c lz4Codec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, errors.Wrap(err, "kgoadapter: lz4 write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "kgoadapter: lz4 close")
	}
	return buf.Bytes(), nil
}

func (c lz4Codec) Decompress(p []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(p))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: lz4 read")
	}
	return out, nil
}
