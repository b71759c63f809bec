package shm

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/gogo/protobuf/proto"
)

// Serializer converts objects to and from segment payloads. Processes
// sharing an ObjectSegment must use the same serializer for T.
type Serializer[T any] interface {
	Serialize(w io.Writer, v T) error
	Deserialize(data []byte) (T, error)
}

// GobSerializer encodes with encoding/gob. It is the default.
type GobSerializer[T any] struct{}

func (GobSerializer[T]) Serialize(w io.Writer, v T) error {
	return gob.NewEncoder(w).Encode(v)
}

func (GobSerializer[T]) Deserialize(data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// JSONSerializer encodes with encoding/json.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Serialize(w io.Writer, v T) error {
	return json.NewEncoder(w).Encode(v)
}

func (JSONSerializer[T]) Deserialize(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// ProtoSerializer encodes protobuf messages. T is a pointer message type
// such as *types.StringValue.
type ProtoSerializer[T proto.Message] struct {
	// New returns an empty message to decode into. When nil a zero value of
	// T's element type is allocated.
	New func() T
}

func (p ProtoSerializer[T]) Serialize(w io.Writer, v T) error {
	b, err := proto.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (p ProtoSerializer[T]) Deserialize(data []byte) (T, error) {
	v, err := p.newMessage()
	if err != nil {
		return v, err
	}
	err = proto.Unmarshal(data, v)
	return v, err
}

func (p ProtoSerializer[T]) newMessage() (T, error) {
	if p.New != nil {
		return p.New(), nil
	}
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("proto: cannot allocate %T, set ProtoSerializer.New", zero)
	}
	return reflect.New(typ.Elem()).Interface().(T), nil
}
