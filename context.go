package muxplugin

import (
	"fmt"
	"sort"
	"sync"
)

// HierContext is a key/value store that falls back to its parent
// when a key is not bound locally.  The registry builds a tree of them:
// the shared context at the root, one context per registered plugin
// below it, and one short-lived context per in-flight request below
// those.
//
// A HierContext is safe for concurrent use.  Each node has its own
// reader/writer lock; lookups that walk the ancestor chain take each
// ancestor's read lock in turn, never more than one at a time.
type HierContext struct {
	lock     sync.RWMutex
	values   map[string]interface{}
	parent   *HierContext // not owned
	registry *Registry    // not owned
}

// NewHierContext creates a root-level context.  Most code should get
// contexts from a Registry rather than creating them directly.
func NewHierContext(registry *Registry, initial map[string]interface{}) *HierContext {
	c := &HierContext{
		values:   make(map[string]interface{}, len(initial)),
		registry: registry,
	}
	for k, v := range initial {
		c.values[k] = v
	}
	return c
}

// CreateChild allocates a new, empty context whose parent is c.
func (c *HierContext) CreateChild() *HierContext {
	return &HierContext{
		values:   make(map[string]interface{}),
		parent:   c,
		registry: c.registry,
	}
}

func (c *HierContext) createChildWith(initial map[string]interface{}) *HierContext {
	child := c.CreateChild()
	for k, v := range initial {
		child.values[k] = v
	}
	return child
}

// Parent returns the context this one falls back to, or nil.
func (c *HierContext) Parent() *HierContext {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.parent
}

// SetParent re-points the fallback chain.  Contexts must form a tree;
// a parent that leads back to c is only detected on the next lookup.
func (c *HierContext) SetParent(p *HierContext) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.parent = p
}

// Registry returns the registry that owns this context tree.
func (c *HierContext) Registry() *Registry {
	return c.registry
}

func (c *HierContext) local(key string) (interface{}, bool, *HierContext) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	v, ok := c.values[key]
	return v, ok, c.parent
}

// Get looks key up locally, then in each ancestor.  A miss is a
// *NotFoundError; an ancestor chain that revisits a context is a
// *CycleError.
func (c *HierContext) Get(key string) (interface{}, error) {
	v, _, err := c.find(key, c)
	return v, err
}

// find walks from start looking for key.  It returns the value and
// the context holding it.
func (c *HierContext) find(key string, start *HierContext) (interface{}, *HierContext, error) {
	visited := make(map[*HierContext]struct{}, 4)
	node := start
	for node != nil {
		if _, seen := visited[node]; seen {
			return nil, nil, &CycleError{Key: key, Depth: len(visited)}
		}
		visited[node] = struct{}{}
		v, ok, parent := node.local(key)
		if ok {
			return v, node, nil
		}
		node = parent
	}
	return nil, nil, &NotFoundError{Kind: "key", Key: key}
}

// Has reports whether key is visible from c.
func (c *HierContext) Has(key string) bool {
	_, err := c.Get(key)
	return err == nil
}

// Set binds key locally.  Ancestors are never touched, so a binding in
// a child shadows the same key in a parent.
func (c *HierContext) Set(key string, value interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.values[key] = value
}

// Replace updates the visible binding instead of shadowing it: the
// nearest ancestor that already binds key is modified in place.  Only
// when no ancestor has key is it bound locally.
func (c *HierContext) Replace(key string, value interface{}) error {
	parent := c.Parent()
	if parent != nil {
		_, holder, err := c.find(key, parent)
		switch {
		case err == nil:
			holder.Set(key, value)
			return nil
		case IsCycle(err):
			return err
		}
	}
	c.Set(key, value)
	return nil
}

// Update calls Replace for each entry of values.
func (c *HierContext) Update(values map[string]interface{}) error {
	for k, v := range values {
		if err := c.Replace(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the local binding of key.  Deleting a key that is not
// bound locally returns a *NotFoundError, which callers usually ignore.
func (c *HierContext) Delete(key string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.values[key]; !ok {
		return &NotFoundError{Kind: "key", Key: key}
	}
	delete(c.values, key)
	return nil
}

// Keys returns the locally bound keys in sorted order.
func (c *HierContext) Keys() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of local bindings.
func (c *HierContext) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.values)
}

// Snapshot copies the local bindings.
func (c *HierContext) Snapshot() map[string]interface{} {
	c.lock.RLock()
	defer c.lock.RUnlock()
	m := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		m[k] = v
	}
	return m
}

func (c *HierContext) String() string {
	return fmt.Sprintf("HierContext(%v)", c.Keys())
}

// Lookup is the typed accessor for a context value.  A missing key is a
// *NotFoundError; a value of another type wraps ErrTypeMismatch.
func Lookup[T any](c *HierContext, key string) (T, error) {
	var zero T
	v, err := c.Get(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("key %q holds %T: %w", key, v, ErrTypeMismatch)
	}
	return t, nil
}

// GetString is Lookup[string].
func (c *HierContext) GetString(key string) (string, error) { return Lookup[string](c, key) }

// GetInt is Lookup[int].
func (c *HierContext) GetInt(key string) (int, error) { return Lookup[int](c, key) }

// GetBool is Lookup[bool].
func (c *HierContext) GetBool(key string) (bool, error) { return Lookup[bool](c, key) }

// GetContext is Lookup[*HierContext].
func (c *HierContext) GetContext(key string) (*HierContext, error) {
	return Lookup[*HierContext](c, key)
}
