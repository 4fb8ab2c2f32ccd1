package forecast

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
)

var ErrBadFormat = errors.New("unsupported network format")

// Binary layout of a saved network:
//   - all values little-endian
//   - magic/version, 4 bytes: 'B', 'S', major 1, minor 0
//   - uint32 inputs, uint32 outputs
//   - uint32 recurrent layer count, then uint32 units per layer
//   - uint32 dense layer count, then uint32 units per layer
//   - float64 dropout rate
//   - uint32 activation name length, then the name bytes
//   - every weight matrix in Params order: uint32 length, then float64 values
var magic = [4]byte{'B', 'S', 1, 0}

// Limits on what a stored topology may ask for before anything is allocated.
const (
	maxLayers     = 64
	maxLayerWidth = 1024
)

// WriteTo serializes the topology and weights of n.
func (n *Network) WriteTo(w io.Writer) (int64, error) {
	var cw = &countingWriter{w: bufio.NewWriter(w)}
	var t = n.Topology

	cw.write(magic[:])
	cw.putUint32(uint32(t.Inputs))
	cw.putUint32(uint32(t.Outputs))
	cw.putUint32(uint32(len(t.LSTMUnits)))
	for _, u := range t.LSTMUnits {
		cw.putUint32(uint32(u))
	}
	cw.putUint32(uint32(len(t.DenseUnits)))
	for _, u := range t.DenseUnits {
		cw.putUint32(uint32(u))
	}
	cw.putFloat64(t.Dropout)
	cw.putUint32(uint32(len(t.Activation)))
	cw.write([]byte(t.Activation))

	for _, p := range n.Params() {
		cw.putUint32(uint32(len(p.Data)))
		for _, v := range p.Data {
			cw.putFloat64(v)
		}
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

func (n *Network) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := n.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadNetwork loads a network written by WriteTo.
func ReadNetwork(r io.Reader) (*Network, error) {
	var br = bufio.NewReader(r)

	var header [4]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header[0] != magic[0] || header[1] != magic[1] {
		return nil, fmt.Errorf("%w: magic word does not match", ErrBadFormat)
	}
	if header[2] != magic[2] || header[3] != magic[3] {
		return nil, fmt.Errorf("%w: version %d.%d", ErrBadFormat, header[2], header[3])
	}

	var rd = &reader{r: br}
	var t Topology
	t.Inputs = rd.width()
	t.Outputs = rd.width()
	t.LSTMUnits = rd.units()
	t.DenseUnits = rd.units()
	t.Dropout = rd.f64()
	if rd.err == nil && (math.IsNaN(t.Dropout) || math.IsInf(t.Dropout, 0)) {
		return nil, fmt.Errorf("%w: dropout rate %v", ErrBadFormat, t.Dropout)
	}
	var nameLength = rd.u32()
	if rd.err == nil && nameLength > 64 {
		return nil, fmt.Errorf("%w: activation name too long", ErrBadFormat)
	}
	var name = make([]byte, nameLength)
	rd.read(name)
	t.Activation = string(name)
	if rd.err != nil {
		return nil, fmt.Errorf("read topology: %w", rd.err)
	}

	n, err := NewNetwork(t, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}
	for i, p := range n.Params() {
		var length = int(rd.u32())
		if rd.err != nil {
			return nil, fmt.Errorf("read matrix %d: %w", i, rd.err)
		}
		if length != len(p.Data) {
			return nil, fmt.Errorf("%w: matrix %d has %d values, expected %d", ErrBadFormat, i, length, len(p.Data))
		}
		for j := range p.Data {
			p.Data[j] = rd.f64()
		}
		if rd.err != nil {
			return nil, fmt.Errorf("read matrix %d: %w", i, rd.err)
		}
		for j, v := range p.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: matrix %d value %d is %v", ErrBadFormat, i, j, v)
			}
		}
	}
	return n, nil
}

func UnmarshalNetwork(data []byte) (*Network, error) {
	return ReadNetwork(bytes.NewReader(data))
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
	buf [8]byte
}

func (cw *countingWriter) write(p []byte) {
	if cw.err != nil {
		return
	}
	var k int
	k, cw.err = cw.w.Write(p)
	cw.n += int64(k)
}

func (cw *countingWriter) putUint32(v uint32) {
	binary.LittleEndian.PutUint32(cw.buf[:4], v)
	cw.write(cw.buf[:4])
}

func (cw *countingWriter) putFloat64(v float64) {
	binary.LittleEndian.PutUint64(cw.buf[:], math.Float64bits(v))
	cw.write(cw.buf[:])
}

type reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (rd *reader) read(p []byte) {
	if rd.err != nil {
		return
	}
	_, rd.err = io.ReadFull(rd.r, p)
}

func (rd *reader) u32() uint32 {
	rd.read(rd.buf[:4])
	if rd.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(rd.buf[:4])
}

func (rd *reader) f64() float64 {
	rd.read(rd.buf[:])
	if rd.err != nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(rd.buf[:]))
}

func (rd *reader) units() []int {
	var count = rd.u32()
	if rd.err != nil {
		return nil
	}
	if count > maxLayers {
		rd.err = fmt.Errorf("%w: %d layers", ErrBadFormat, count)
		return nil
	}
	var result = make([]int, count)
	for i := range result {
		result[i] = rd.width()
	}
	return result
}

func (rd *reader) width() int {
	var v = rd.u32()
	if rd.err == nil && v > maxLayerWidth {
		rd.err = fmt.Errorf("%w: layer width %d exceeds %d", ErrBadFormat, v, maxLayerWidth)
		return 0
	}
	return int(v)
}
