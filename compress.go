package erpcgo

import "fmt"

// compressAlgo selects a wire compression codec for a MsgBuffer's
// payload. No datapath code path calls newWireCompressor; packets are
// transmitted uncompressed. This is not part of the
// distilled spec's datapath, but a natural extension of the
// MsgBuffer/slab layer (SPEC_FULL.md section 1) that exercises the
// teacher's klauspost/compress stack the way the teacher itself does
// (grounded on magic7.go's compression-selector idea, decoupled here
// from the packet corruption-check magic byte).
type compressAlgo uint8

const (
	compressNone compressAlgo = iota
	compressS2
	compressLZ4
	compressZstd
)

func (a compressAlgo) String() string {
	switch a {
	case compressNone:
		return "none"
	case compressS2:
		return "s2"
	case compressLZ4:
		return "lz4"
	case compressZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compressAlgo(%d)", uint8(a))
	}
}

// wireCompressor compresses/decompresses whole MsgBuffer payloads.
// Only multi-packet messages above a size threshold are worth the
// CPU; callers decide when to invoke it, this type just wraps the
// chosen codec.
type wireCompressor interface {
	Algo() compressAlgo
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// newWireCompressor builds the compressor for algo, or nil for
// compressNone.
func newWireCompressor(algo compressAlgo) (wireCompressor, error) {
	switch algo {
	case compressNone:
		return nil, nil
	case compressS2:
		return newS2Compressor(), nil
	case compressLZ4:
		return newLZ4Compressor(), nil
	case compressZstd:
		z, err := newZstdCompressor()
		if err != nil {
			return nil, err
		}
		return &zstdWireAdapter{z}, nil
	default:
		return nil, fmt.Errorf("erpcgo: unrecognized compressAlgo %v", algo)
	}
}

type zstdWireAdapter struct{ z *zstdCompressor }

func (a *zstdWireAdapter) Algo() compressAlgo { return compressZstd }
func (a *zstdWireAdapter) Compress(src []byte) []byte {
	return a.z.Compress(src)
}
func (a *zstdWireAdapter) Decompress(src []byte) ([]byte, error) {
	return a.z.Decompress(src)
}
