// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from component names to component values
// and the capabilities each component offers.
//
// # Usage
//
// Construct a new empty catalog and add components to it:
//
//	cat := catalog.New()
//	if err := cat.Add("sample1", comp); err != nil {
//	   log.Fatalf("Add: %v", err)
//	}
//
// A capability is a named value registered on behalf of a component, for
// example the value that implements its message handling:
//
//	cat.Register("sample1", catalog.Receiver, handler)
//
// To recover a capability, use Capability, or the generic Get to assert its
// type at the same time:
//
//	cl, ok := catalog.Get[compframe.Client](cat, "sample1", catalog.Receiver)
//
// A component value that itself implements a capability does not need to
// register it separately; Get falls back to the component value when no
// capability of that name is registered.
//
// A Catalog is not safe for concurrent use without external synchronization.
package catalog

import (
	"errors"
	"fmt"
	"slices"
)

// Well-known capability names.
const (
	Receiver  = "receiver"  // a compframe.Client
	Scheduled = "scheduled" // a sched.Client
)

var (
	// ErrDuplicate is reported by Add for a name already in use.
	ErrDuplicate = errors.New("duplicate component")

	// ErrNotFound is reported for an unknown component name.
	ErrNotFound = errors.New("component not found")
)

// A Catalog maps names to components.
type Catalog struct {
	comps map[string]*entry
}

type entry struct {
	comp any
	caps map[string]any
}

// New creates a new empty catalog.
func New() *Catalog { return &Catalog{comps: make(map[string]*entry)} }

// Add adds comp to c under the given name.
func (c *Catalog) Add(name string, comp any) error {
	if name == "" {
		return errors.New("empty component name")
	} else if comp == nil {
		return fmt.Errorf("component %q: nil value", name)
	} else if _, ok := c.comps[name]; ok {
		return fmt.Errorf("component %q: %w", name, ErrDuplicate)
	}
	c.comps[name] = &entry{comp: comp, caps: make(map[string]any)}
	return nil
}

// Lookup returns the component registered under name, if any.
func (c *Catalog) Lookup(name string) (any, bool) {
	e, ok := c.comps[name]
	if !ok {
		return nil, false
	}
	return e.comp, true
}

// Register sets capability capName of the named component to v, replacing any
// previous value. Passing a nil v removes the capability.
func (c *Catalog) Register(name, capName string, v any) error {
	e, ok := c.comps[name]
	if !ok {
		return fmt.Errorf("component %q: %w", name, ErrNotFound)
	}
	if v == nil {
		delete(e.caps, capName)
	} else {
		e.caps[capName] = v
	}
	return nil
}

// Capability returns capability capName of the named component, if it has
// been registered.
func (c *Catalog) Capability(name, capName string) (any, bool) {
	e, ok := c.comps[name]
	if !ok {
		return nil, false
	}
	v, ok := e.caps[capName]
	return v, ok
}

// Remove removes the named component and all its capabilities.
func (c *Catalog) Remove(name string) error {
	if _, ok := c.comps[name]; !ok {
		return fmt.Errorf("component %q: %w", name, ErrNotFound)
	}
	delete(c.comps, name)
	return nil
}

// Names returns the names of all components in c in lexicographic order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.comps))
	for name := range c.comps {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Capabilities returns the registered capability names of the named
// component in lexicographic order.
func (c *Catalog) Capabilities(name string) []string {
	e, ok := c.comps[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.caps))
	for capName := range e.caps {
		out = append(out, capName)
	}
	slices.Sort(out)
	return out
}

// Get returns capability capName of the named component as a T. If no such
// capability is registered, Get uses the component value itself. It reports
// false if the component does not exist or the value is not a T.
func Get[T any](c *Catalog, name, capName string) (T, bool) {
	var zero T
	e, ok := c.comps[name]
	if !ok {
		return zero, false
	}
	v, ok := e.caps[capName]
	if !ok {
		v = e.comp
	}
	t, ok := v.(T)
	return t, ok
}
