// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package compframe

import (
	"fmt"
	"slices"
	"strings"
)

// A Client is the message capability of a receiver. Its methods are called
// synchronously on the goroutine that polls the transport, and must not block.
//
// The data argument is the value passed to AddReceiver.
type Client interface {
	// Connected is called when a remote peer opens channel ch to the
	// receiver. If it reports an error, the channel is not opened.
	Connected(c *Connection, ch byte, data any) error

	// Disconnected is called when channel ch is closed, either by request
	// or because the connection ended. The channel is released regardless
	// of the result; an error only changes the reply to a close request.
	Disconnected(c *Connection, ch byte, data any) error

	// Message is called with the payload of each frame received on ch.
	// The msg slice is owned by the handler once delivered.
	Message(c *Connection, ch byte, msg []byte, data any) error
}

// A Receiver is a named endpoint offering one interface.
type Receiver struct {
	Name    string
	Enabled bool
	Client  Client
	Data    any

	iface *Interface
}

// Interface returns the identifier of the interface r is registered under.
func (r *Receiver) Interface() string { return r.iface.ID }

// An Interface groups the receivers registered under one identifier.
type Interface struct {
	ID        string      // exactly IDLen bytes
	Name      string      // the name of the first receiver registered
	Receivers []*Receiver // in registration order
}

func (i *Interface) find(name string) (int, *Receiver) {
	for j, r := range i.Receivers {
		if r.Name == name {
			return j, r
		}
	}
	return -1, nil
}

// registry maps interface identifiers to their receivers.
type registry struct {
	ifaces map[string]*Interface
}

func checkID(id string) error {
	if len(id) != IDLen {
		return fmt.Errorf("interface %q: %w", id, ErrInvalidID)
	}
	return nil
}

func checkIDName(id, name string) error {
	if err := checkID(id); err != nil {
		return err
	} else if name == "" {
		return fmt.Errorf("interface %s: %w", id, ErrMissingName)
	}
	return nil
}

func (g *registry) add(id, name string, cl Client, data any) (*Receiver, error) {
	if err := checkIDName(id, name); err != nil {
		return nil, err
	} else if cl == nil {
		return nil, fmt.Errorf("receiver %s %q: %w", id, name, ErrNoCapability)
	}
	if g.ifaces == nil {
		g.ifaces = make(map[string]*Interface)
	}
	iface, ok := g.ifaces[id]
	if !ok {
		iface = &Interface{ID: id, Name: name}
		g.ifaces[id] = iface
	} else if _, old := iface.find(name); old != nil {
		return nil, fmt.Errorf("receiver %s %q: %w", id, name, ErrDuplicate)
	}
	r := &Receiver{Name: name, Enabled: true, Client: cl, Data: data, iface: iface}
	iface.Receivers = append(iface.Receivers, r)
	return r, nil
}

// lookup returns the receiver for id and name, or nil. Disabled receivers
// are included.
func (g *registry) lookup(id, name string) *Receiver {
	iface, ok := g.ifaces[id]
	if !ok {
		return nil
	}
	_, r := iface.find(name)
	return r
}

func (g *registry) find(id, name string) (*Receiver, error) {
	if err := checkIDName(id, name); err != nil {
		return nil, err
	}
	r := g.lookup(id, name)
	if r == nil {
		return nil, fmt.Errorf("receiver %s %q: %w", id, name, ErrNotFound)
	}
	return r, nil
}

func (g *registry) remove(r *Receiver) {
	iface := r.iface
	if i, cur := iface.find(r.Name); cur == r {
		iface.Receivers = slices.Delete(iface.Receivers, i, i+1)
	}
	if len(iface.Receivers) == 0 && g.ifaces[iface.ID] == iface {
		delete(g.ifaces, iface.ID)
	}
}

// ids returns the registered interface identifiers in lexicographic order.
func (g *registry) ids() []string {
	out := make([]string, 0, len(g.ifaces))
	for id := range g.ifaces {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// searchByName renders every interface having a receiver whose name begins
// with prefix as "id:name1,name2;", in identifier order.
func (g *registry) searchByName(prefix string) string {
	var sb strings.Builder
	for _, id := range g.ids() {
		var names []string
		for _, r := range g.ifaces[id].Receivers {
			if strings.HasPrefix(r.Name, prefix) {
				names = append(names, r.Name)
			}
		}
		if len(names) != 0 {
			fmt.Fprintf(&sb, "%s:%s;", id, strings.Join(names, ","))
		}
	}
	return sb.String()
}

// searchByInterface renders the receiver names of one interface as a
// comma-separated list.
func (g *registry) searchByInterface(id string) string {
	iface, ok := g.ifaces[id]
	if !ok {
		return ""
	}
	names := make([]string, len(iface.Receivers))
	for i, r := range iface.Receivers {
		names[i] = r.Name
	}
	return strings.Join(names, ",")
}

// snapshot returns a deep copy of the registered interfaces in identifier
// order.
func (g *registry) snapshot() []Interface {
	out := make([]Interface, 0, len(g.ifaces))
	for _, id := range g.ids() {
		src := g.ifaces[id]
		cp := Interface{ID: src.ID, Name: src.Name}
		for _, r := range src.Receivers {
			rc := *r
			cp.Receivers = append(cp.Receivers, &rc)
		}
		out = append(out, cp)
	}
	return out
}
