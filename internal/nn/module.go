package nn

import (
	"strconv"

	"github.com/pkg/errors"
)

// Module is a tensor transform. Containers pass ic on to their children through Call.
type Module interface {
	Forward(x *Tensor, ic Interceptor) (*Tensor, error)
}

// Interceptor sees every module output produced through Call and returns the value to use
// in its place.
type Interceptor interface {
	Intercept(m Module, in, out *Tensor) (*Tensor, error)
}

// Call runs m on x and hands the result to ic, if any.
func Call(m Module, x *Tensor, ic Interceptor) (*Tensor, error) {
	out, err := m.Forward(x, ic)
	if err != nil {
		return nil, err
	}
	if ic == nil {
		return out, nil
	}
	return ic.Intercept(m, x, out)
}

// Named is a child module with its local name.
type Named struct {
	Name   string
	Module Module
}

// Container is a module made of named children.
type Container interface {
	Module
	Children() []Named
}

// Sequential feeds each child's output into the next one.
type Sequential struct {
	children []Named
}

// Seq builds a Sequential whose children are named by position: "0", "1", ...
func Seq(mods ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range mods {
		s.Add("", m)
	}
	return s
}

// Add appends m under name; an empty name means its position.
func (s *Sequential) Add(name string, m Module) *Sequential {
	if name == "" {
		name = strconv.Itoa(len(s.children))
	}
	s.children = append(s.children, Named{Name: name, Module: m})
	return s
}

func (s *Sequential) Children() []Named { return s.children }

// Child returns the child registered under name, or nil.
func (s *Sequential) Child(name string) Module {
	for _, c := range s.children {
		if c.Name == name {
			return c.Module
		}
	}
	return nil
}

func (s *Sequential) Forward(x *Tensor, ic Interceptor) (*Tensor, error) {
	var err error
	for _, c := range s.children {
		if x, err = Call(c.Module, x, ic); err != nil {
			return nil, errors.WithMessagef(err, "%s", c.Name)
		}
	}
	return x, nil
}

// Walk visits m and all its descendants depth-first, parents before children. Names are the
// dot-joined child names from m; m itself has the empty name.
func Walk(m Module, fn func(name string, m Module) error) error {
	return walk("", m, fn)
}

func walk(name string, m Module, fn func(string, Module) error) error {
	if err := fn(name, m); err != nil {
		return err
	}
	c, ok := m.(Container)
	if !ok {
		return nil
	}
	for _, ch := range c.Children() {
		if err := walk(Join(name, ch.Name), ch.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// Join qualifies name with prefix.
func Join(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	}
	return prefix + "." + name
}

// Find returns the module reached by a qualified name.
func Find(root Module, name string) (Module, bool) {
	var found Module
	_ = Walk(root, func(n string, m Module) error {
		if found == nil && n == name {
			found = m
		}
		return nil
	})
	return found, found != nil
}
