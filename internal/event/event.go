// Package event defines the change notifications emitted by a keyed cache.
package event

import (
	"fmt"
	"strings"
)

// Kind identifies the mutation a ChangeEvent describes
type Kind int

const (
	// Inserted means the key had no value before the mutation
	Inserted Kind = iota + 1
	// Updated means an existing value was replaced
	Updated
	// Deleted means the key no longer has a value
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Inserted, Updated, Deleted:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown event kind %d", int(k))
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind parses the textual form produced by Kind.String
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "inserted":
		return Inserted, nil
	case "updated":
		return Updated, nil
	case "deleted":
		return Deleted, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// ChangeEvent is an immutable record of one mutation against a keyed collection.
// OldValue is the zero value for Inserted events and NewValue is the zero value
// for Deleted events.
type ChangeEvent[K comparable, V any] struct {
	Kind     Kind `json:"kind"`
	Key      K    `json:"key"`
	OldValue V    `json:"old_value"`
	NewValue V    `json:"new_value"`
}

// Insert returns an Inserted event
func Insert[K comparable, V any](key K, value V) ChangeEvent[K, V] {
	return ChangeEvent[K, V]{Kind: Inserted, Key: key, NewValue: value}
}

// Update returns an Updated event
func Update[K comparable, V any](key K, oldValue, newValue V) ChangeEvent[K, V] {
	return ChangeEvent[K, V]{Kind: Updated, Key: key, OldValue: oldValue, NewValue: newValue}
}

// Delete returns a Deleted event
func Delete[K comparable, V any](key K, oldValue V) ChangeEvent[K, V] {
	return ChangeEvent[K, V]{Kind: Deleted, Key: key, OldValue: oldValue}
}

// HasOldValue reports whether OldValue carries a value
func (e ChangeEvent[K, V]) HasOldValue() bool {
	return e.Kind == Updated || e.Kind == Deleted
}

// HasNewValue reports whether NewValue carries a value
func (e ChangeEvent[K, V]) HasNewValue() bool {
	return e.Kind == Inserted || e.Kind == Updated
}

func (e ChangeEvent[K, V]) String() string {
	switch e.Kind {
	case Inserted:
		return fmt.Sprintf("%s{key=%v, new=%v}", e.Kind, e.Key, e.NewValue)
	case Deleted:
		return fmt.Sprintf("%s{key=%v, old=%v}", e.Kind, e.Key, e.OldValue)
	}
	return fmt.Sprintf("%s{key=%v, old=%v, new=%v}", e.Kind, e.Key, e.OldValue, e.NewValue)
}

// Listener receives change events from an upstream source
type Listener[K comparable, V any] interface {
	OnChange(ChangeEvent[K, V])
}

// ListenerFunc adapts a function to a Listener. Function values are not
// comparable, so a ListenerFunc cannot be looked up by value once registered;
// register a pointer to it or keep the remover the registry hands back.
type ListenerFunc[K comparable, V any] func(ChangeEvent[K, V])

// OnChange calls f(evt)
func (f ListenerFunc[K, V]) OnChange(evt ChangeEvent[K, V]) {
	f(evt)
}
