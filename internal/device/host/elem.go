package host

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/device"
)

func load(buf []byte, dt device.DataType, i int64) float32 {
	switch dt {
	case device.DataF16:
		return float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
}

func store(buf []byte, dt device.DataType, i int64, v float32) {
	switch dt {
	case device.DataF16:
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
	default:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
}

func isZero(buf []byte, dt device.DataType, i int64) bool {
	switch dt {
	case device.DataF16:
		// Both +0 and -0.
		return binary.LittleEndian.Uint16(buf[i*2:])&0x7fff == 0
	default:
		return binary.LittleEndian.Uint32(buf[i*4:])&0x7fffffff == 0
	}
}

func zero(buf []byte, dt device.DataType, i int64) {
	size := dt.Size()
	clear(buf[i*size : (i+1)*size])
}

// roundTF32 rounds to the 10-bit mantissa tensor cores use for tf32 inputs.
func roundTF32(v float32) float32 {
	bits := math.Float32bits(v)
	if bits&0x7f800000 == 0x7f800000 {
		return v
	}
	bits += 0xfff + (bits>>13)&1
	return math.Float32frombits(bits &^ 0x1fff)
}
