// Package dataset is a minimal in-memory value store built to make the
// Serializer/Loader round-trip properties exercisable. It stands in for
// the "in-memory data structures" and "command dispatch" layers the
// append-only log treats as external collaborators.
package dataset

// Kind identifies the concrete type held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindList
	KindSet
	KindZSet
	KindHash
	KindStream
	KindExtension
)

// HashField holds one hash field and its optional per-field expiration
// (unix milliseconds, 0 means none).
type HashField struct {
	Value     string
	ExpireAtMs int64
}

// Value is the tagged union backing one key. Only the field matching
// Kind is meaningful.
type Value struct {
	Kind Kind

	Str  string
	List []string
	Set  map[string]struct{}
	ZSet *ZSet
	Hash map[string]HashField

	Stream *Stream

	// Extension covers a value type registered by an external module
	// Extension types delegate encoding to a callback. Payload is
	// opaque to Dataset; the registrar's callback interprets it.
	Extension *ExtensionValue
}

// ExtensionValue holds an opaque, registrar-defined payload plus the
// type name used to look up its serialization callback.
type ExtensionValue struct {
	TypeName string
	Payload  []byte
}

func NewString(s string) *Value {
	return &Value{Kind: KindString, Str: s}
}

func NewList(items ...string) *Value {
	return &Value{Kind: KindList, List: append([]string(nil), items...)}
}

func NewSet(members ...string) *Value {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return &Value{Kind: KindSet, Set: s}
}

func NewZSet() *Value {
	return &Value{Kind: KindZSet, ZSet: NewZSetContainer()}
}

func NewHash() *Value {
	return &Value{Kind: KindHash, Hash: map[string]HashField{}}
}

func NewStream() *Value {
	return &Value{Kind: KindStream, Stream: NewStreamContainer()}
}

func NewExtension(typeName string, payload []byte) *Value {
	return &Value{Kind: KindExtension, Extension: &ExtensionValue{TypeName: typeName, Payload: payload}}
}
