// Package safetensors reads and writes single-file .safetensors archives:
// [header_len:u64 LE][header JSON][tensor bytes].
package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

// maxHeader bounds the JSON header; anything larger is treated as corruption.
const maxHeader = 100 << 20

// Dtype element sizes in bytes.
var dtypeSize = map[string]int{
	"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
}

// Tensor is a raw little-endian tensor.
type Tensor struct {
	Dtype string
	Shape []int
	Data  []byte
}

// Named is a tensor with its key.
type Named struct {
	Name string
	Tensor
}

// File is a fully loaded archive.
type File struct {
	Metadata map[string]string
	Tensors  map[string]Tensor
}

type tensorInfo struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets []uint64 `json:"data_offsets"`
	name    string
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Open reads a whole archive into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := &File{Tensors: make(map[string]Tensor)}
	meta, seq, err := Scan(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "safetensors: %s", path)
	}
	out.Metadata = meta
	for nt, err := range seq {
		if err != nil {
			return nil, errors.WithMessagef(err, "safetensors: %s", path)
		}
		out.Tensors[nt.Name] = nt.Tensor
	}
	return out, nil
}

// Scan parses the header of r and returns the free-form metadata and an iterator over the
// tensors in file order. The iterator reads r sequentially.
func Scan(r io.Reader) (map[string]string, iter.Seq2[*Named, error], error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, errors.Wrap(err, "read header length")
	}
	hlen := binary.LittleEndian.Uint64(lenBuf[:])
	if hlen > maxHeader {
		return nil, nil, errors.Errorf("header length %d exceeds %d", hlen, maxHeader)
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, nil, errors.Wrap(err, "parse header")
	}

	var meta map[string]string
	infos := make([]*tensorInfo, 0, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &meta); err != nil {
				return nil, nil, errors.Wrapf(err, "parse %s", metadataKey)
			}
			continue
		}
		info := &tensorInfo{name: name}
		if err := json.Unmarshal(msg, info); err != nil {
			return nil, nil, errors.Wrapf(err, "parse entry %q", name)
		}
		size, ok := dtypeSize[info.Dtype]
		if !ok {
			return nil, nil, errors.Errorf("tensor %q: unsupported dtype %q", name, info.Dtype)
		}
		if len(info.Offsets) != 2 || info.Offsets[1] < info.Offsets[0] {
			return nil, nil, errors.Errorf("tensor %q: invalid data_offsets %v", name, info.Offsets)
		}
		if want := uint64(numel(info.Shape) * size); info.Offsets[1]-info.Offsets[0] != want {
			return nil, nil, errors.Errorf("tensor %q: shape %v %s needs %d bytes, offsets reserve %d",
				name, info.Shape, info.Dtype, want, info.Offsets[1]-info.Offsets[0])
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *tensorInfo) int {
		switch {
		case a.Offsets[0] < b.Offsets[0]:
			return -1
		case a.Offsets[0] > b.Offsets[0]:
			return 1
		}
		return 0
	})
	var next uint64
	for _, info := range infos {
		if info.Offsets[0] != next {
			return nil, nil, errors.Errorf("tensor %q: data starts at %d, want contiguous %d", info.name, info.Offsets[0], next)
		}
		next = info.Offsets[1]
	}

	seq := func(yield func(*Named, error) bool) {
		for _, info := range infos {
			data := make([]byte, info.Offsets[1]-info.Offsets[0])
			if _, err := io.ReadFull(r, data); err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: read %d bytes", info.name, len(data)))
				return
			}
			nt := &Named{Name: info.name, Tensor: Tensor{Dtype: info.Dtype, Shape: info.Shape, Data: data}}
			if !yield(nt, nil) {
				return
			}
		}
	}
	return meta, seq, nil
}

// Float64s decodes the tensor values.
func (t Tensor) Float64s() ([]float64, error) {
	size, ok := dtypeSize[t.Dtype]
	if !ok {
		return nil, errors.Errorf("safetensors: unsupported dtype %q", t.Dtype)
	}
	if len(t.Data) != numel(t.Shape)*size {
		return nil, errors.Errorf("safetensors: %d bytes for shape %v %s", len(t.Data), t.Shape, t.Dtype)
	}
	out := make([]float64, numel(t.Shape))
	le := binary.LittleEndian
	for i := range out {
		p := t.Data[i*size:]
		switch t.Dtype {
		case "F64":
			out[i] = math.Float64frombits(le.Uint64(p))
		case "F32":
			out[i] = float64(math.Float32frombits(le.Uint32(p)))
		case "F16":
			out[i] = float64(float16.Frombits(le.Uint16(p)).Float32())
		case "BF16":
			// bfloat16 is the upper half of a float32.
			out[i] = float64(math.Float32frombits(uint32(le.Uint16(p)) << 16))
		}
	}
	return out, nil
}
