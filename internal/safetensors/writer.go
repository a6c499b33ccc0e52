package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encode packs values as dtype (F64, F32, F16 or BF16).
func Encode(dtype string, shape []int, values []float64) (Tensor, error) {
	size, ok := dtypeSize[dtype]
	if !ok {
		return Tensor{}, errors.Errorf("safetensors: unsupported dtype %q", dtype)
	}
	if numel(shape) != len(values) {
		return Tensor{}, errors.Errorf("safetensors: shape %v needs %d values, got %d", shape, numel(shape), len(values))
	}
	data := make([]byte, len(values)*size)
	le := binary.LittleEndian
	for i, v := range values {
		p := data[i*size:]
		switch dtype {
		case "F64":
			le.PutUint64(p, math.Float64bits(v))
		case "F32":
			le.PutUint32(p, math.Float32bits(float32(v)))
		case "F16":
			le.PutUint16(p, float16.Fromfloat32(float32(v)).Bits())
		case "BF16":
			le.PutUint16(p, bf16Bits(float32(v)))
		}
	}
	return Tensor{Dtype: dtype, Shape: append([]int(nil), shape...), Data: data}, nil
}

// bf16Bits rounds a float32 to bfloat16, ties to even.
func bf16Bits(f float32) uint16 {
	u := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(u>>16) | 0x40
	}
	u += 0x7fff + (u>>16)&1
	return uint16(u >> 16)
}

// Write stores tensors sorted by name, with the header padded to 8 bytes. The file is written
// to a temporary name and renamed into place.
func Write(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		if n == metadataKey {
			return errors.Errorf("safetensors: tensor name %q is reserved", n)
		}
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off uint64
	for _, n := range names {
		t := tensors[n]
		size, ok := dtypeSize[t.Dtype]
		if !ok {
			return errors.Errorf("safetensors: tensor %q has unsupported dtype %q", n, t.Dtype)
		}
		if len(t.Data) != numel(t.Shape)*size {
			return errors.Errorf("safetensors: tensor %q has %d bytes for shape %v %s", n, len(t.Data), t.Shape, t.Dtype)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[n] = map[string]any{
			"dtype":        t.Dtype,
			"shape":        shape,
			"data_offsets": []uint64{off, off + uint64(len(t.Data))},
		}
		off += uint64(len(t.Data))
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "safetensors: encode header")
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "safetensors: create")
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(len(hb)))
	bw.Write(b8[:])
	bw.Write(hb)
	for _, n := range names {
		bw.Write(tensors[n].Data)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "safetensors: write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "safetensors: close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "safetensors: rename")
}
