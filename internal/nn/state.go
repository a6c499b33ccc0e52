package nn

import (
	"github.com/pkg/errors"
)

// Entry is one named value of a module's state. Parameters are learnable; everything else
// is a buffer.
type Entry struct {
	Name      string
	Tensor    *Tensor
	Param     bool
	Trainable bool
}

// Stater is implemented by modules that own state directly (not through children).
type Stater interface {
	LocalState() []Entry
}

func param(name string, t *Tensor, frozen bool) Entry {
	return Entry{Name: name, Tensor: t, Param: true, Trainable: !frozen}
}

func (l *Linear) LocalState() []Entry {
	es := []Entry{param("weight", &Tensor{Shape: []int{l.Out, l.In}, Data: l.Weight.RawMatrix().Data}, l.Frozen)}
	if l.Bias != nil {
		es = append(es, param("bias", &Tensor{Shape: []int{l.Out}, Data: l.Bias}, l.Frozen))
	}
	return es
}

func (c *Conv2d) LocalState() []Entry {
	es := []Entry{param("weight", &Tensor{Shape: c.WeightShape(), Data: c.Weight.RawMatrix().Data}, c.Frozen)}
	if c.Bias != nil {
		es = append(es, param("bias", &Tensor{Shape: []int{c.OutCh}, Data: c.Bias}, c.Frozen))
	}
	return es
}

// State lists the state of m and its descendants under qualified names. Tensors share storage
// with the modules, so writing into them updates the model.
func State(m Module) []Entry {
	var out []Entry
	_ = Walk(m, func(name string, m Module) error {
		s, ok := m.(Stater)
		if !ok {
			return nil
		}
		for _, e := range s.LocalState() {
			e.Name = Join(name, e.Name)
			out = append(out, e)
		}
		return nil
	})
	return out
}

// StateDict maps every state name of m to its tensor.
func StateDict(m Module) map[string]*Tensor {
	return Dict(State(m))
}

// Dict turns entries into a name-to-tensor map.
func Dict(entries []Entry) map[string]*Tensor {
	out := make(map[string]*Tensor, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Tensor
	}
	return out
}

// Load copies values into the matching entries. Every key of values must name an entry of
// the same size; entries without a value are left alone.
func Load(entries []Entry, values map[string]*Tensor) error {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	for name, v := range values {
		e, ok := byName[name]
		if !ok {
			return errors.Errorf("nn: unexpected state key %q", name)
		}
		if len(v.Data) != len(e.Tensor.Data) {
			return errors.Errorf("nn: state %q has %d values, want %d (shape %v)", name, len(v.Data), len(e.Tensor.Data), e.Tensor.Shape)
		}
		copy(e.Tensor.Data, v.Data)
	}
	return nil
}
