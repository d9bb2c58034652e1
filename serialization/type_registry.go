package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/zylinc/messagebus/contracts"
)

// TypeRegistry manages message type registrations for serialization
type TypeRegistry interface {
	// Register registers a message type with a wire type name
	Register(typeName string, msgType contracts.Message) error

	// RegisterType registers a message type using its wire type name
	RegisterType(msgType contracts.Message) error

	// CreateInstance creates a new pointer instance of the registered type
	CreateInstance(typeName string) (contracts.Message, error)

	// GetTypeName gets the registered type name for a value
	GetTypeName(msg contracts.Message) (string, error)

	// IsRegistered checks if a type is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type names, sorted
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a message type with a type name
func (r *DefaultTypeRegistry) Register(typeName string, msgType contracts.Message) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	// Decoded values are pointers, so the pointer type has to satisfy Message.
	if !reflect.PointerTo(t).Implements(reflect.TypeOf((*contracts.Message)(nil)).Elem()) {
		return fmt.Errorf("type %v does not implement contracts.Message", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName

	return nil
}

// RegisterType registers a message type under contracts.TypeName
func (r *DefaultTypeRegistry) RegisterType(msgType contracts.Message) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	return r.Register(contracts.TypeName(msgType), msgType)
}

// CreateInstance creates a new instance of the registered type
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (contracts.Message, error) {
	r.mu.RLock()
	t, exists := r.types[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}

	return reflect.New(t).Interface().(contracts.Message), nil
}

// GetTypeName gets the registered type name for a value
func (r *DefaultTypeRegistry) GetTypeName(msg contracts.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("%w: %v", ErrUnknownType, t)
	}

	return name, nil
}

// IsRegistered checks if a type is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}
