package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Schema describes a payload type seen by a store.
type Schema struct {
	TypeID uint32
	Order  ByteOrder
	Name   string
}

// SchemaCache records the schemas a store has encountered. It is owned by a
// single store, filled lazily, and never evicts.
type SchemaCache struct {
	mu      sync.RWMutex
	schemas map[uint32]Schema
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[uint32]Schema)}
}

// Register adds s, or returns the schema already registered under the same
// type id. Two codecs that share a type id but disagree on byte order cannot
// both be valid readers of the same bytes, so that is a mismatch.
func (c *SchemaCache) Register(s Schema) (Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.schemas[s.TypeID]; ok {
		if cur.Order != s.Order {
			return cur, fmt.Errorf("%w: type %#08x registered as %s, got %s", ErrSchemaMismatch, s.TypeID, cur.Order, s.Order)
		}
		return cur, nil
	}
	c.schemas[s.TypeID] = s
	return s, nil
}

// Lookup returns the schema registered for typeID.
func (c *SchemaCache) Lookup(typeID uint32) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[typeID]
	return s, ok
}

// Len returns the number of registered schemas.
func (c *SchemaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}

// List returns registered schemas ordered by type id.
func (c *SchemaCache) List() []Schema {
	c.mu.RLock()
	out := make([]Schema, 0, len(c.schemas))
	for _, s := range c.schemas {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// SchemaOf builds the Schema a codec advertises.
func SchemaOf[T any](c Codec[T]) Schema {
	name := fmt.Sprintf("%T", c)
	if n, ok := any(c).(Named); ok {
		name = n.Name()
	}
	return Schema{TypeID: c.TypeID(), Order: c.ByteOrder(), Name: name}
}
