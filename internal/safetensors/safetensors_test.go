package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	vals := []float64{0.5, -1.25, 3, 0, 1e-3, 42}

	tensors := make(map[string]Tensor)
	for _, dt := range []string{"F64", "F32", "F16", "BF16"} {
		enc, err := Encode(dt, []int{2, 3}, vals)
		require.NoError(t, err)
		tensors["layer."+dt] = enc
	}
	scalar, err := Encode("F32", []int{}, []float64{7})
	require.NoError(t, err)
	tensors["scale"] = scalar
	require.NoError(t, Write(path, tensors, map[string]string{"format": "pt"}))

	f, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "pt", f.Metadata["format"])
	require.Len(t, f.Tensors, 5)

	tol := map[string]float64{"F64": 0, "F32": 1e-7, "F16": 1e-3, "BF16": 1e-2}
	for dt, eps := range tol {
		got, err := f.Tensors["layer."+dt].Float64s()
		require.NoError(t, err)
		require.Equal(t, []int{2, 3}, f.Tensors["layer."+dt].Shape)
		for i := range vals {
			require.InDelta(t, vals[i], got[i], eps*max(1, vals[i]), "%s[%d]", dt, i)
		}
	}
	s, err := f.Tensors["scale"].Float64s()
	require.NoError(t, err)
	require.Equal(t, []float64{7}, s)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	hlen := binary.LittleEndian.Uint64(raw)
	require.Zero(t, hlen%8)
}

func TestScanOrderAndErrors(t *testing.T) {
	a, _ := Encode("F32", []int{1}, []float64{1})
	b, _ := Encode("F32", []int{2}, []float64{2, 3})
	path := filepath.Join(t.TempDir(), "s.safetensors")
	require.NoError(t, Write(path, map[string]Tensor{"b": b, "a": a}, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	meta, seq, err := Scan(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Nil(t, meta)
	var names []string
	for nt, err := range seq {
		require.NoError(t, err)
		names = append(names, nt.Name)
	}
	require.Equal(t, []string{"a", "b"}, names)

	_, seq, err = Scan(bytes.NewReader(raw[:len(raw)-4]))
	require.NoError(t, err)
	var lastErr error
	for _, err := range seq {
		lastErr = err
	}
	require.Error(t, lastErr, "truncated data")

	_, _, err = Scan(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)

	_, err = Encode("I8", []int{1}, []float64{1})
	require.Error(t, err)
	_, err = Encode("F32", []int{2}, []float64{1})
	require.Error(t, err)
	require.Error(t, Write(path, map[string]Tensor{"x": {Dtype: "F32", Shape: []int{2}, Data: []byte{0}}}, nil))
}

func TestBF16Rounding(t *testing.T) {
	require.Equal(t, uint16(0x3f80), bf16Bits(1))
	require.Equal(t, uint16(0xc000), bf16Bits(-2))
	// 1 + 2^-8 is exactly halfway between two bfloat16 values and rounds to even.
	require.Equal(t, uint16(0x3f80), bf16Bits(1+1.0/256))
}
