package main

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qrv0/arblora/internal/lora"
	"github.com/qrv0/arblora/internal/nn"
	"github.com/qrv0/arblora/internal/safetensors"
)

func cmdMerge(args []string, stdout io.Writer) error {
	fs := newFlagSet("merge")
	basePath := fs.String("base", "", "base weights (.safetensors)")
	adapterPath := fs.String("adapter", "", "adapter weights (.safetensors)")
	out := fs.String("out", "", "merged output (.safetensors)")
	alpha := fs.Float64("alpha", 1, "adapter weight; when not given each block's own scale is used")
	baseAlpha := fs.Float64("base-alpha", 1, "base weight multiplier")
	dtype := fs.String("dtype", "", "output dtype for merged tensors (F32, F16, BF16, F64); default keeps the base dtype")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *basePath == "" || *adapterPath == "" || *out == "" {
		return errors.New("-base, -adapter and -out are required")
	}
	var alphaOpt *float64
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "alpha" {
			alphaOpt = alpha
		}
	})

	base, err := safetensors.Open(*basePath)
	if err != nil {
		return err
	}
	adapter, err := safetensors.Open(*adapterPath)
	if err != nil {
		return err
	}
	merged, n, err := mergeAdapters(base.Tensors, adapter.Tensors, alphaOpt, *baseAlpha, *dtype)
	if err != nil {
		return err
	}
	if err := safetensors.Write(*out, merged, base.Metadata); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "merged %d adapter blocks into %s\n", n, *out)
	return nil
}

// blockInfo is what the adapter file tells about one block.
type blockInfo struct {
	rank int
	bias bool
}

// splitAdapterKey splits "<host>.lora_block.<i>.<rest>".
func splitAdapterKey(k string) (host string, index int, rest string, ok bool) {
	const seg = ".lora_block."
	i := strings.Index(k, seg)
	if i <= 0 {
		return "", 0, "", false
	}
	tail := k[i+len(seg):]
	j := strings.IndexByte(tail, '.')
	if j <= 0 {
		return "", 0, "", false
	}
	index, err := strconv.Atoi(tail[:j])
	if err != nil {
		return "", 0, "", false
	}
	return k[:i], index, tail[j+1:], true
}

// mergeAdapters collapses every adapter block found in adapter into the matching base layer
// and returns the base tensors with the merged weights, plus the number of blocks merged.
// alpha nil means each block's own scale.
func mergeAdapters(base, adapter map[string]safetensors.Tensor, alpha *float64, baseAlpha float64, dtype string) (map[string]safetensors.Tensor, int, error) {
	other, adapterOnly := lora.SplitState(adapter)
	if len(other) > 0 {
		klog.Warningf("ignoring %d non-adapter tensors in the adapter file", len(other))
	}
	blocks := make(map[string]map[int]*blockInfo)
	for k, t := range adapterOnly {
		host, idx, rest, ok := splitAdapterKey(k)
		if !ok {
			return nil, 0, errors.Errorf("unrecognised adapter key %q", k)
		}
		if blocks[host] == nil {
			blocks[host] = make(map[int]*blockInfo)
		}
		bi := blocks[host][idx]
		if bi == nil {
			bi = &blockInfo{}
			blocks[host][idx] = bi
		}
		switch rest {
		case "layer.lora_down.weight":
			if len(t.Shape) == 0 {
				return nil, 0, errors.Errorf("%s: scalar down projection", k)
			}
			bi.rank = t.Shape[0]
		case "layer.lora_up.bias":
			bi.bias = true
		}
	}
	hosts := make([]string, 0, len(blocks))
	for h := range blocks {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	// The model is only a named collection of the layers being merged; it is never run.
	model := &nn.Sequential{}
	values := make(map[string]*nn.Tensor)
	for _, h := range hosts {
		m, err := hostLayer(base, h, values)
		if err != nil {
			return nil, 0, err
		}
		model.Add(h, m)
	}

	reg := lora.NewRegistry()
	g := lora.NewGroup()
	for _, h := range hosts {
		m := model.Child(h)
		for idx := 0; idx < len(blocks[h]); idx++ {
			bi, ok := blocks[h][idx]
			if !ok || bi.rank == 0 {
				return nil, 0, errors.Errorf("%s: adapter block %d is missing or has no down projection", h, idx)
			}
			opts := lora.DefaultOptions()
			opts.Rank = lora.AbsRank(bi.rank)
			opts.Bias = bi.bias
			opts.Scale = 0
			b, err := lora.Attach(reg, m, opts)
			if err != nil {
				return nil, 0, errors.WithMessagef(err, "%s", h)
			}
			g.Add(fmt.Sprintf("%s.lora_block.%d", h, idx), b)
		}
	}
	for k, t := range adapterOnly {
		v, err := decode(k, t)
		if err != nil {
			return nil, 0, err
		}
		values[k] = v
	}
	if err := lora.LoadState(reg, model, values); err != nil {
		return nil, 0, err
	}

	var err error
	if alpha == nil {
		err = g.CollapseScaled(baseAlpha)
	} else {
		err = g.Collapse(*alpha, baseAlpha)
	}
	if err != nil {
		return nil, 0, err
	}
	g.Detach()

	out := make(map[string]safetensors.Tensor, len(base)+len(hosts))
	for k, t := range base {
		out[k] = t
	}
	for _, e := range nn.State(model) {
		dt := dtype
		if dt == "" {
			dt = "F32"
			if t, ok := base[e.Name]; ok {
				dt = t.Dtype
			}
		}
		enc, err := safetensors.Encode(dt, e.Tensor.Shape, e.Tensor.Data)
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "%s", e.Name)
		}
		out[e.Name] = enc
	}
	klog.V(1).Infof("merged %d blocks over %d layers", g.Len(), len(hosts))
	return out, g.Len(), nil
}

// hostLayer builds the dense or convolutional layer named h from base and records its
// weights in values.
func hostLayer(base map[string]safetensors.Tensor, h string, values map[string]*nn.Tensor) (nn.Module, error) {
	wt, ok := base[h+".weight"]
	if !ok {
		return nil, errors.Errorf("adapter targets %q but the base has no %s.weight", h, h)
	}
	bt, hasBias := base[h+".bias"]
	var m nn.Module
	switch s := wt.Shape; len(s) {
	case 2:
		m = nn.NewLinear(s[1], s[0], hasBias)
	case 4:
		// Stride and padding do not change the kernel being merged.
		m = nn.NewConv2d(s[1], s[0], s[2], s[3], 1, 0, hasBias)
	default:
		return nil, errors.Errorf("%s.weight has shape %v; only dense and conv layers take adapters", h, wt.Shape)
	}
	w, err := decode(h+".weight", wt)
	if err != nil {
		return nil, err
	}
	values[h+".weight"] = w
	if hasBias {
		b, err := decode(h+".bias", bt)
		if err != nil {
			return nil, err
		}
		values[h+".bias"] = b
	}
	return m, nil
}

func decode(name string, t safetensors.Tensor) (*nn.Tensor, error) {
	data, err := t.Float64s()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", name)
	}
	return nn.NewTensor(data, t.Shape...)
}
