package oil

import (
	"fmt"

	"github.com/hupe1980/oil/codec"
)

// TypedIndex stores values of type V in an Index through a codec.
type TypedIndex[V any] struct {
	ix    *Index
	codec codec.Codec
}

// NewTypedIndex wraps ix. If c is nil, codec.Default is used.
func NewTypedIndex[V any](ix *Index, c codec.Codec) *TypedIndex[V] {
	if c == nil {
		c = codec.Default
	}
	return &TypedIndex[V]{ix: ix, codec: c}
}

// Index returns the underlying index.
func (t *TypedIndex[V]) Index() *Index { return t.ix }

// Get returns the value stored under key. ok is false if key is absent.
func (t *TypedIndex[V]) Get(key string) (v V, ok bool, err error) {
	data, err := t.ix.Get(key)
	if err != nil || data == nil {
		return v, false, err
	}
	return decodeValue[V](t.codec, data)
}

// Put stores v under key.
func (t *TypedIndex[V]) Put(key string, v V) error {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode value for key %q: %w", ErrInvalidArgument, key, err)
	}
	_, err = t.ix.Put(key, data)
	return err
}

// Remove deletes key and returns the removed value.
func (t *TypedIndex[V]) Remove(key string) (v V, ok bool, err error) {
	data, err := t.ix.Remove(key)
	if err != nil || data == nil {
		return v, false, err
	}
	return decodeValue[V](t.codec, data)
}

// Range calls fn for every entry in key order until fn returns false.
func (t *TypedIndex[V]) Range(fn func(key string, v V) bool) error {
	it := t.ix.Iterator()
	for {
		ok, err := it.Next()
		if err != nil || !ok {
			return err
		}
		data, err := it.Value()
		if err != nil {
			continue // removed concurrently
		}
		v, _, err := decodeValue[V](t.codec, data)
		if err != nil {
			return fmt.Errorf("key %q: %w", it.key, err)
		}
		if !fn(it.key, v) {
			return nil
		}
	}
}

// TypedQueue stores values of type V in a Queue through a codec.
type TypedQueue[V any] struct {
	q     *Queue
	codec codec.Codec
}

// NewTypedQueue wraps q. If c is nil, codec.Default is used.
func NewTypedQueue[V any](q *Queue, c codec.Codec) *TypedQueue[V] {
	if c == nil {
		c = codec.Default
	}
	return &TypedQueue[V]{q: q, codec: c}
}

// Queue returns the underlying queue.
func (t *TypedQueue[V]) Queue() *Queue { return t.q }

// Push appends v.
func (t *TypedQueue[V]) Push(v V) (Reference, error) {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: encode value: %w", ErrInvalidArgument, err)
	}
	return t.q.Push(data)
}

// Get returns the value ref points at. ok is false for a stale reference.
func (t *TypedQueue[V]) Get(ref Reference) (v V, ok bool, err error) {
	data, err := t.q.Get(ref)
	if err != nil || data == nil {
		return v, false, err
	}
	return decodeValue[V](t.codec, data)
}

// Remove removes the item ref points at and returns it.
func (t *TypedQueue[V]) Remove(ref Reference) (v V, ok bool, err error) {
	data, err := t.q.Remove(ref)
	if err != nil || data == nil {
		return v, false, err
	}
	return decodeValue[V](t.codec, data)
}

// Range calls fn for every item from the head until fn returns false.
func (t *TypedQueue[V]) Range(fn func(ref Reference, v V) bool) error {
	it := t.q.Iterator()
	for {
		ok, err := it.Next()
		if err != nil || !ok {
			return err
		}
		data, err := it.Value()
		if err != nil {
			continue // removed concurrently
		}
		v, _, err := decodeValue[V](t.codec, data)
		if err != nil {
			return fmt.Errorf("item %s: %w", it.ref, err)
		}
		if !fn(it.ref, v) {
			return nil
		}
	}
}

func decodeValue[V any](c codec.Codec, data []byte) (V, bool, error) {
	var v V
	if err := c.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s value: %w", c.Name(), err)
	}
	return v, true, nil
}
