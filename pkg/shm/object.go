package shm

import (
	"context"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// ObjectSegment stores one serialized object of type T in a Segment.
type ObjectSegment[T any] struct {
	seg *Segment
	ser Serializer[T]
}

func serializerOrDefault[T any](ser Serializer[T]) Serializer[T] {
	if ser == nil {
		return GobSerializer[T]{}
	}
	return ser
}

// NewObjectSegment creates a segment sized exactly to the serialized form
// of v and stores v in it. opts.Mode and opts.Size are ignored. A nil ser
// selects GobSerializer.
func NewObjectSegment[T any](ctx context.Context, opts OpenOptions, v T, ser Serializer[T]) (*ObjectSegment[T], error) {
	ser = serializerOrDefault(ser)
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := ser.Serialize(bb, v); err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrSerialization, v, err)
	}
	seg, err := NewFromBytes(ctx, opts, bb.B)
	if err != nil {
		return nil, err
	}
	return &ObjectSegment[T]{seg: seg, ser: ser}, nil
}

// OpenObject opens a segment in any mode for objects of type T.
func OpenObject[T any](ctx context.Context, opts OpenOptions, ser Serializer[T]) (*ObjectSegment[T], error) {
	seg, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &ObjectSegment[T]{seg: seg, ser: serializerOrDefault(ser)}, nil
}

// SetObject serializes v and stores it. Serialization and capacity
// failures leave the stored object untouched.
func (o *ObjectSegment[T]) SetObject(ctx context.Context, v T) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := o.ser.Serialize(bb, v); err != nil {
		return fmt.Errorf("%w: %T: %w", ErrSerialization, v, err)
	}
	return o.seg.WriteBytes(ctx, bb.B)
}

// GetObject reads and deserializes the stored object.
func (o *ObjectSegment[T]) GetObject(ctx context.Context) (T, error) {
	data, err := o.seg.ReadBytes(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := o.ser.Deserialize(data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %d bytes from %q: %w", ErrSerialization, len(data), o.seg.Name(), err)
	}
	return v, nil
}

// Segment returns the underlying byte segment.
func (o *ObjectSegment[T]) Segment() *Segment {
	return o.seg
}

// Close closes the underlying segment.
func (o *ObjectSegment[T]) Close() error {
	return o.seg.Close()
}
