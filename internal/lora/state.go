package lora

import (
	"strconv"
	"strings"

	"github.com/qrv0/arblora/internal/nn"
)

// adapterKey is the substring that marks adapter state.
const adapterKey = blockSegment + "."

// IsAdapterKey reports whether a state name belongs to an adapter.
func IsAdapterKey(name string) bool { return strings.Contains(name, adapterKey) }

// State lists the state of m with every attached block placed under its host as
// "<host>.lora_block.<i>.", i being the block's position on the host.
func State(reg *Registry, m nn.Module) []nn.Entry {
	var out []nn.Entry
	_ = nn.Walk(m, func(name string, mod nn.Module) error {
		if s, ok := mod.(nn.Stater); ok {
			for _, e := range s.LocalState() {
				e.Name = nn.Join(name, e.Name)
				out = append(out, e)
			}
		}
		for i, b := range reg.blocks[mod] {
			prefix := nn.Join(name, blockSegment+"."+strconv.Itoa(i))
			for _, e := range b.LocalState() {
				e.Name = nn.Join(prefix, e.Name)
				out = append(out, e)
			}
		}
		return nil
	})
	return out
}

func filter(entries []nn.Entry, keep func(nn.Entry) bool) map[string]*nn.Tensor {
	out := make(map[string]*nn.Tensor)
	for _, e := range entries {
		if keep(e) {
			out[e.Name] = e.Tensor
		}
	}
	return out
}

// ExtractAdapterState returns the adapter entries of the full state.
func ExtractAdapterState(reg *Registry, m nn.Module) map[string]*nn.Tensor {
	return filter(State(reg, m), func(e nn.Entry) bool { return IsAdapterKey(e.Name) })
}

// ExtractStateWithoutAdapter returns everything but the adapter entries.
func ExtractStateWithoutAdapter(reg *Registry, m nn.Module) map[string]*nn.Tensor {
	return filter(State(reg, m), func(e nn.Entry) bool { return !IsAdapterKey(e.Name) })
}

// ExtractParamsWithoutAdapter returns the non-adapter parameters, leaving buffers out.
func ExtractParamsWithoutAdapter(reg *Registry, m nn.Module) map[string]*nn.Tensor {
	return filter(State(reg, m), func(e nn.Entry) bool { return e.Param && !IsAdapterKey(e.Name) })
}

// ExtractTrainableStateWithoutAdapter returns the non-adapter parameters still being trained.
func ExtractTrainableStateWithoutAdapter(reg *Registry, m nn.Module) map[string]*nn.Tensor {
	return filter(State(reg, m), func(e nn.Entry) bool {
		return e.Param && e.Trainable && !IsAdapterKey(e.Name)
	})
}

// SplitState partitions state by name into base and adapter entries.
func SplitState[T any](state map[string]T) (base, adapter map[string]T) {
	base, adapter = make(map[string]T), make(map[string]T)
	for k, v := range state {
		if IsAdapterKey(k) {
			adapter[k] = v
		} else {
			base[k] = v
		}
	}
	return base, adapter
}

// LoadState copies values into the model and adapter state, by name.
func LoadState(reg *Registry, m nn.Module, values map[string]*nn.Tensor) error {
	return nn.Load(State(reg, m), values)
}
