package serialization

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/billm/baaaht/relay/pkg/types"
)

// Names of the built-in content types
const (
	TypeString         = "string"
	TypeBytes          = "bytes"
	TypeFault          = "fault"
	TypeJoinPeer       = "relay.join_peer"
	TypePeersChanged   = "relay.peers_changed"
	TypeUnregisterPeer = "relay.unregister_peer"
)

type registeredType struct {
	name  string
	typ   reflect.Type // element type, never a pointer
	isPtr bool
}

// TypeRegistry maps stable content type names to Go types
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]registeredType
	byType map[reflect.Type]registeredType
}

// NewTypeRegistry creates a registry holding the built-in content types
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]registeredType),
		byType: make(map[reflect.Type]registeredType),
	}
	r.MustRegister(TypeString, "")
	r.MustRegister(TypeBytes, []byte(nil))
	r.MustRegister(TypeFault, &types.Fault{})
	r.MustRegister(TypeJoinPeer, &types.JoinPeerMessage{})
	r.MustRegister(TypePeersChanged, &types.PeersChangedMessage{})
	r.MustRegister(TypeUnregisterPeer, &types.UnregisterPeerMessage{})
	return r
}

// Register associates name with the dynamic type of sample. A pointer sample
// makes decoded content a pointer as well.
func (r *TypeRegistry) Register(name string, sample any) error {
	if name == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "content type name cannot be empty")
	}
	if sample == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "content type sample cannot be nil")
	}

	t := reflect.TypeOf(sample)
	entry := registeredType{name: name, typ: t}
	if t.Kind() == reflect.Pointer {
		entry.typ = t.Elem()
		entry.isPtr = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.typ == entry.typ && existing.isPtr == entry.isPtr {
			return nil
		}
		return types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("content type %q already registered for %s", name, existing.typ))
	}
	if existing, ok := r.byType[t]; ok {
		return types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("type %s already registered as %q", t, existing.name))
	}

	r.byName[name] = entry
	r.byType[t] = entry
	return nil
}

// MustRegister is like Register but panics on error
func (r *TypeRegistry) MustRegister(name string, sample any) {
	if err := r.Register(name, sample); err != nil {
		panic(err)
	}
}

// NameOf returns the registered name of content's dynamic type
func (r *TypeRegistry) NameOf(content any) (string, error) {
	t := reflect.TypeOf(content)

	r.mu.RLock()
	entry, ok := r.byType[t]
	r.mu.RUnlock()

	if !ok {
		return "", types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("content type %s is not registered", t))
	}
	return entry.name, nil
}

// newValue returns a pointer to a fresh value of the named type and a
// function converting that pointer to the registered form
func (r *TypeRegistry) newValue(name string) (any, func(any) any, error) {
	r.mu.RLock()
	entry, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown content type %q", name))
	}

	ptr := reflect.New(entry.typ).Interface()
	if entry.isPtr {
		return ptr, func(v any) any { return v }, nil
	}
	return ptr, func(v any) any { return reflect.ValueOf(v).Elem().Interface() }, nil
}

// Names returns every registered content type name
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
