package plugin

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a plugin owned by a Container.
type Entry struct {
	ID      string
	Created time.Time
	Plugin  Plugin
}

// Container creates plugins against one Env and owns them until Close.
// It is safe for concurrent use; the plugins themselves are not.
type Container struct {
	env Env

	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	closed  bool
}

func NewContainer(env Env) *Container {
	return &Container{env: env, byID: make(map[string]*Entry)}
}

// Env is the environment every plugin created by c runs against.
func (c *Container) Env() Env {
	return c.env
}

func (c *Container) NewConv3DTranspose(cfg Conv3DTransposeConfig) (*Conv3DTranspose, *Entry) {
	p := NewConv3DTranspose(c.env, cfg)
	return p, c.Adopt(p)
}

func (c *Container) NewPadding(cfg PaddingConfig) (*Padding, *Entry) {
	p := NewPadding(c.env, cfg)
	return p, c.Adopt(p)
}

func (c *Container) NewSlice(cfg SliceConfig) (*Slice, *Entry) {
	p := NewSlice(c.env, cfg)
	return p, c.Adopt(p)
}

// Adopt takes ownership of p, typically a clone.
func (c *Container) Adopt(p Plugin) *Entry {
	e := &Entry{ID: uuid.NewString(), Created: time.Now(), Plugin: p}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic(&ContractError{Plugin: p.Type() + " " + p.Name(), Msg: "container is closed"})
	}
	c.entries = append(c.entries, e)
	c.byID[e.ID] = e
	return e
}

// List returns entries in creation order.
func (c *Container) List() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// Get looks up an entry by the ID assigned at creation.
func (c *Container) Get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	return e, ok
}

// Len is the number of plugins owned, live or not.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close terminates and destroys every plugin the host has not destroyed yet.
// Calling Close again is a no-op.
func (c *Container) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries, c.byID, c.closed = nil, map[string]*Entry{}, true
	c.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		p := entries[i].Plugin
		if p.State() == StateDestroyed {
			continue
		}
		p.Terminate()
		p.Destroy()
	}
}
