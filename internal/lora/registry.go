package lora

import (
	"math/rand"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qrv0/arblora/internal/nn"
)

// Registry maps host modules to their attached blocks in attachment order. It implements
// nn.Interceptor; it has no locking, so attach, detach and collapse must not overlap a forward
// pass.
type Registry struct {
	blocks map[nn.Module][]*Block
}

func NewRegistry() *Registry {
	return &Registry{blocks: make(map[nn.Module][]*Block)}
}

func (r *Registry) add(host nn.Module, b *Block) int {
	id := len(r.blocks[host])
	r.blocks[host] = append(r.blocks[host], b)
	return id
}

// remove drops b by identity and forgets the host once its last block is gone.
func (r *Registry) remove(b *Block) {
	list, ok := r.blocks[b.key]
	if !ok {
		return
	}
	if i := slices.Index(list, b); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(r.blocks, b.key)
		return
	}
	r.blocks[b.key] = list
}

// Blocks returns the blocks attached to host, oldest first.
func (r *Registry) Blocks(host nn.Module) []*Block {
	return slices.Clone(r.blocks[host])
}

// Attached reports whether host carries any block.
func (r *Registry) Attached(host nn.Module) bool {
	_, ok := r.blocks[host]
	return ok
}

// Hosts is the number of modules carrying at least one block.
func (r *Registry) Hosts() int { return len(r.blocks) }

// Intercept applies the blocks attached to m, in order, to its output.
func (r *Registry) Intercept(m nn.Module, in, out *nn.Tensor) (*nn.Tensor, error) {
	var err error
	for _, b := range r.blocks[m] {
		if out, err = b.Forward(in, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Run is nn.Call with the registry as interceptor.
func (r *Registry) Run(m nn.Module, x *nn.Tensor) (*nn.Tensor, error) {
	return nn.Call(m, x, r)
}

// Attach creates and initializes one block on layer.
func Attach(reg *Registry, layer nn.Module, opts Options) (*Block, error) {
	return attach(reg, layer, opts, rand.New(rand.NewSource(opts.Seed)))
}

func attach(reg *Registry, layer nn.Module, opts Options, rng *rand.Rand) (*Block, error) {
	b, err := newBlock(reg, layer, opts, rng)
	if err != nil {
		return nil, err
	}
	if err := b.Init(opts.UseApprox, opts.ClampQuantile); err != nil {
		b.Detach()
		return nil, err
	}
	b.SetMask(opts.Mask)
	return b, nil
}

// blockSegment marks names inside adapter structure.
const blockSegment = "lora_block"

// AttachTo attaches a block to m if it is a dense or convolutional layer, under the name
// "lora_block". Otherwise it walks m and attaches one block to every such descendant, keyed
// "<name>.lora_block"; names already inside adapter structure are skipped. Either all blocks
// are attached or none.
func AttachTo(reg *Registry, m nn.Module, opts Options) (*Group, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	g := NewGroup()
	if Eligible(m) {
		b, err := attach(reg, m, opts, rng)
		if err != nil {
			return nil, err
		}
		g.Add(blockSegment, b)
		return g, nil
	}
	if _, ok := m.(nn.Container); !ok {
		return nil, errors.Wrapf(ErrUnsupportedHost, "%T", m)
	}

	var hosts []nn.Named
	_ = nn.Walk(m, func(name string, child nn.Module) error {
		if !strings.Contains(name, blockSegment) && Eligible(child) {
			hosts = append(hosts, nn.Named{Name: name, Module: child})
		}
		return nil
	})
	for _, h := range hosts {
		b, err := attach(reg, h.Module, opts, rng)
		if err != nil {
			g.Detach()
			return nil, errors.WithMessagef(err, "lora: attach to %s", h.Name)
		}
		g.Add(nn.Join(h.Name, blockSegment), b)
	}
	klog.V(1).Infof("attached %d lora blocks (rank %+v, scale %g)", g.Len(), opts.Rank, opts.Scale)
	return g, nil
}
