// Package routing maps message types to the input queue of the service that
// handles them.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zylinc/messagebus/contracts"
)

// ErrUnmappedType is matched by every RoutingError
var ErrUnmappedType = errors.New("routing: message type has no destination")

// RoutingError is returned when a message type was never mapped
type RoutingError struct {
	MessageType string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: no destination address mapped for message type %q", e.MessageType)
}

// Is reports ErrUnmappedType as the sentinel of every RoutingError
func (e *RoutingError) Is(target error) bool {
	return target == ErrUnmappedType
}

// Table is a static type to address map. It is never mutated after
// construction and may be read concurrently without locking.
type Table struct {
	routes map[string]string
}

// NewTable copies routes into a new table
func NewTable(routes map[string]string) (*Table, error) {
	copied := make(map[string]string, len(routes))
	for messageType, address := range routes {
		if messageType == "" {
			return nil, fmt.Errorf("routing: empty message type")
		}
		if address == "" {
			return nil, fmt.Errorf("routing: empty destination address for %q", messageType)
		}
		copied[messageType] = address
	}
	return &Table{routes: copied}, nil
}

// Resolve returns the destination address for messageType
func (t *Table) Resolve(messageType string) (string, error) {
	if t != nil {
		if address, ok := t.routes[messageType]; ok {
			return address, nil
		}
	}
	return "", &RoutingError{MessageType: messageType}
}

// ResolveMessage resolves the wire type name of msg
func (t *Table) ResolveMessage(msg contracts.Message) (string, error) {
	return t.Resolve(contracts.TypeName(msg))
}

// Routes returns a copy of the table
func (t *Table) Routes() map[string]string {
	out := make(map[string]string, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

// MessageTypes returns the mapped message types, sorted
func (t *Table) MessageTypes() []string {
	types := make([]string, 0, len(t.routes))
	for k := range t.routes {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Builder assembles a Table from typed mappings
type Builder struct {
	routes map[string]string
	err    error
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{routes: make(map[string]string)}
}

// Map routes the type of msg to address. Mapping the same type twice to
// different addresses is an error reported by Build.
func (b *Builder) Map(msg contracts.Message, address string) *Builder {
	return b.MapType(contracts.TypeName(msg), address)
}

// MapType routes messageType to address
func (b *Builder) MapType(messageType, address string) *Builder {
	if b.err != nil {
		return b
	}
	if existing, ok := b.routes[messageType]; ok && existing != address {
		b.err = fmt.Errorf("routing: %q already mapped to %q", messageType, existing)
		return b
	}
	b.routes[messageType] = address
	return b
}

// Build freezes the mappings into a Table
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewTable(b.routes)
}
