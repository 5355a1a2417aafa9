package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matteso1/guardian/internal/codec"
)

// Collection stores values of one type through a codec. Each payload is
// prefixed with an envelope naming the codec's type id and byte order, so a
// record written by another codec is reported as ErrSchemaMismatch rather
// than decoded into garbage. Mismatched records stay on disk untouched.
type Collection[T any] struct {
	store *Store
	codec codec.Codec[T]
	env   codec.Envelope

	once   sync.Once
	regErr error
}

// Pair is one key and value for Collection.Batch.
type Pair[T any] struct {
	Key   []byte
	Value T
}

// NewCollection binds c to s. The codec's schema is registered with the
// store's schema cache on first use.
func NewCollection[T any](s *Store, c codec.Codec[T]) *Collection[T] {
	return &Collection[T]{
		store: s,
		codec: c,
		env:   codec.Envelope{TypeID: c.TypeID(), Order: c.ByteOrder()},
	}
}

func (c *Collection[T]) register() error {
	c.once.Do(func() {
		_, c.regErr = c.store.schemas.Register(codec.SchemaOf(c.codec))
	})
	return c.regErr
}

func (c *Collection[T]) encode(v T) ([]byte, error) {
	if err := c.register(); err != nil {
		return nil, err
	}
	body, err := c.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return codec.Wrap(c.env, body), nil
}

// Save encodes v and stores it under key.
func (c *Collection[T]) Save(key []byte, v T) (Position, error) {
	data, err := c.encode(v)
	if err != nil {
		return Position{}, err
	}
	return c.store.Save(key, data)
}

// Batch encodes every value first, then writes them as one store batch.
func (c *Collection[T]) Batch(pairs []Pair[T]) ([]Position, error) {
	items := make([]Item, len(pairs))
	for i, p := range pairs {
		data, err := c.encode(p.Value)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		items[i] = Item{Key: p.Key, Value: data}
	}
	return c.store.Batch(items)
}

// Find loads and decodes the value stored under key.
func (c *Collection[T]) Find(key []byte) (T, bool, error) {
	var zero T
	if err := c.register(); err != nil {
		return zero, false, err
	}
	data, ok, err := c.store.Find(key)
	if err != nil || !ok {
		return zero, ok, err
	}

	env, body, err := codec.Unwrap(data)
	if err != nil {
		return zero, false, fmt.Errorf("key %q: %w", key, err)
	}
	if err := env.Check(c.env.TypeID, c.env.Order); err != nil {
		return zero, false, fmt.Errorf("key %q: %w", key, err)
	}
	v, err := c.codec.Decode(body)
	if err != nil {
		if errors.Is(err, ErrSchemaMismatch) {
			return zero, false, fmt.Errorf("key %q: %w", key, err)
		}
		return zero, false, fmt.Errorf("key %q: %w: %v", key, ErrSchemaMismatch, err)
	}
	return v, true, nil
}

// Delete removes key.
func (c *Collection[T]) Delete(key []byte) error {
	return c.store.Delete(key)
}
