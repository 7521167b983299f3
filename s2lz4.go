package erpcgo

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// s2Compressor and lz4Compressor mirror zstdCompressor's structure
// (zstd.go) for the two faster, lower-ratio algorithms the teacher's
// magic7b selector names. Both klauspost/compress/s2 and
// pierrec/lz4/v4 are stream-oriented, so Compress/Decompress here
// wrap a bytes.Buffer per call rather than zstd's reusable working
// buffer; wire payloads are already bounded by Config.MaxMsgSize so
// this does not unbound allocation.
type s2Compressor struct{}

func newS2Compressor() *s2Compressor { return &s2Compressor{} }

func (c *s2Compressor) Algo() compressAlgo { return compressS2 }

func (c *s2Compressor) Compress(src []byte) []byte {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	_, err := w.Write(src)
	panicOn(err)
	panicOn(w.Close())
	return buf.Bytes()
}

func (c *s2Compressor) Decompress(src []byte) ([]byte, error) {
	r := s2.NewReader(bytes.NewReader(src))
	return io.ReadAll(r)
}

type lz4Compressor struct{}

func newLZ4Compressor() *lz4Compressor { return &lz4Compressor{} }

func (c *lz4Compressor) Algo() compressAlgo { return compressLZ4 }

func (c *lz4Compressor) Compress(src []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, err := w.Write(src)
	panicOn(err)
	panicOn(w.Close())
	return buf.Bytes()
}

func (c *lz4Compressor) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(r)
}
