package lora

import (
	"github.com/pkg/errors"
)

// Group is a named set of blocks for bulk operations, iterated in insertion order.
type Group struct {
	names  []string
	blocks map[string]*Block
}

func NewGroup() *Group {
	return &Group{blocks: make(map[string]*Block)}
}

// Add stores b under name, replacing any block with that name in place.
func (g *Group) Add(name string, b *Block) {
	if _, ok := g.blocks[name]; !ok {
		g.names = append(g.names, name)
	}
	g.blocks[name] = b
}

func (g *Group) Get(name string) (*Block, bool) {
	b, ok := g.blocks[name]
	return b, ok
}

func (g *Group) Names() []string { return append([]string(nil), g.names...) }

func (g *Group) Len() int { return len(g.names) }

func (g *Group) each(fn func(*Block)) {
	for _, n := range g.names {
		fn(g.blocks[n])
	}
}

func (g *Group) SetMask(r *MaskRange) { g.each(func(b *Block) { b.SetMask(r) }) }

func (g *Group) SetMode(m Mode) { g.each(func(b *Block) { b.SetMode(m) }) }

func (g *Group) Train(training bool) { g.each(func(b *Block) { b.Train(training) }) }

// Detach removes every block from its host.
func (g *Group) Detach() { g.each((*Block).Detach) }

// Collapse folds every block into its host. It stops at the first failure.
func (g *Group) Collapse(alpha, baseAlpha float64) error {
	for _, n := range g.names {
		if err := g.blocks[n].Collapse(alpha, baseAlpha); err != nil {
			return errors.WithMessagef(err, "%s", n)
		}
	}
	return nil
}

// CollapseScaled is Collapse with each block's own scale as alpha.
func (g *Group) CollapseScaled(baseAlpha float64) error {
	for _, n := range g.names {
		if err := g.blocks[n].CollapseScaled(baseAlpha); err != nil {
			return errors.WithMessagef(err, "%s", n)
		}
	}
	return nil
}
