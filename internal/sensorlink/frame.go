package sensorlink

import (
	"encoding/binary"
	"io"
	"math"
)

// Frame layout: one header byte, NumValues little-endian float32 and a
// checksum byte equal to the XOR of the payload (header excluded).
const (
	NumValues      = 10
	FrameSize      = 4*NumValues + 2
	Header    byte = 0xFF
)

// Value indexes within a frame.
const (
	QuatW = iota
	QuatX
	QuatY
	QuatZ
	Accel // vertical acceleration proxy, in g
)

// Frame is the decoded payload of one sensor packet.
type Frame [NumValues]float32

// Encode packs f into a wire frame.
func Encode(f Frame) []byte {
	buf := make([]byte, FrameSize)
	buf[0] = Header
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[1+4*i:], math.Float32bits(v))
	}
	buf[FrameSize-1] = payloadXOR(buf)
	return buf
}

func payloadXOR(buf []byte) byte {
	var x byte
	for _, b := range buf[1 : FrameSize-1] {
		x ^= b
	}
	return x
}

func decodeFrame(buf []byte) Frame {
	var f Frame
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[1+4*i:]))
	}
	return f
}

// Decoder reads aligned frames from a byte stream. It holds exactly one
// frame-sized window and realigns one byte at a time, updating the payload
// checksum incrementally as bytes enter and leave the window.
type Decoder struct {
	r   io.Reader
	win [FrameSize]byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next valid frame and the number of bytes discarded before
// it was found.
func (d *Decoder) Next() (Frame, int, error) {
	if _, err := io.ReadFull(d.r, d.win[:]); err != nil {
		return Frame{}, 0, err
	}

	x := payloadXOR(d.win[:])
	skipped := 0
	for d.win[0] != Header || d.win[FrameSize-1] != x {
		// win[1] becomes the header and the old checksum joins the payload.
		x ^= d.win[1] ^ d.win[FrameSize-1]
		copy(d.win[:], d.win[1:])
		if _, err := io.ReadFull(d.r, d.win[FrameSize-1:]); err != nil {
			return Frame{}, skipped, err
		}
		skipped++
	}

	return decodeFrame(d.win[:]), skipped, nil
}
