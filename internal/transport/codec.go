package transport

import (
	"encoding"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of replication messages.
const CodecName = "regionkv-binary"

// CompressorName is the registered gRPC name of the zstd compressor.
const CompressorName = "zstd"

func init() {
	grpcencoding.RegisterCompressor(zstdCompressor{})
}

// binaryCodec marshals messages through their own binary form.
type binaryCodec struct{}

func (binaryCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.Newf("codec: %T is not a BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}

func (binaryCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return errors.Newf("codec: %T is not a BinaryUnmarshaler", v)
	}
	return u.UnmarshalBinary(data)
}

func (binaryCodec) Name() string { return CodecName }

type zstdCompressor struct{}

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{d: d}, nil
}

func (zstdCompressor) Name() string { return CompressorName }

// zstdReader releases the decoder once the stream is drained.
type zstdReader struct {
	d *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) {
	if z.d == nil {
		return 0, io.EOF
	}
	n, err := z.d.Read(p)
	if err != nil {
		z.d.Close()
		z.d = nil
	}
	return n, err
}
