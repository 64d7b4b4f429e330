package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame tags. One byte prefixed to every packed value.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// minCompressSize is the smallest plaintext worth handing to zstd.
const minCompressSize = 64

// maxFrameSize bounds decompressed output so a hostile ciphertext
// cannot balloon memory.
const maxFrameSize = 16 << 20

var errEmptyFrame = errors.New("codec: empty frame")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack CBOR-encodes v and compresses the result when that makes it
// smaller.
func Pack(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding cbor: %w", err)
	}

	return Compress(data), nil
}

// Unpack reverses Pack.
func Unpack(frame []byte, v any) error {
	data, err := Decompress(frame)
	if err != nil {
		return err
	}

	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding cbor: %w", err)
	}

	return nil
}

// Compress frames data, using zstd only when it wins.
func Compress(data []byte) []byte {
	if len(data) >= minCompressSize {
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed) < len(data)+1 {
			compressed[0] = tagZstd
			return compressed
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = tagRaw
	copy(out[1:], data)

	return out
}

// Decompress returns the payload of a frame produced by Compress.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}

	switch frame[0] {
	case tagRaw:
		return frame[1:], nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown frame tag %d", frame[0])
	}
}
