package telemetry

import (
	"encoding/json"
	"sync/atomic"

	"codeberg.org/mutker/balancectl/internal/errors"
)

// FieldType is the wire type of a record field. Its value is the type
// code used in stream definitions.
type FieldType byte

const (
	Byte   FieldType = 'b'
	Word   FieldType = 'w'
	Int    FieldType = 'i'
	Double FieldType = 'd'
)

// Size returns the encoded width in bytes, or 0 for an unknown type.
func (t FieldType) Size() int {
	switch t {
	case Byte:
		return 1
	case Word:
		return 2
	case Int:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

func (t FieldType) Valid() bool {
	return t.Size() > 0
}

func (t FieldType) String() string {
	switch t {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case Int:
		return "int"
	case Double:
		return "double"
	default:
		return "unknown"
	}
}

func (t FieldType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.New().WithData(ErrInvalidField, byte(t))
	}

	return []byte{byte(t)}, nil
}

func (t *FieldType) UnmarshalText(text []byte) error {
	if len(text) != 1 || !FieldType(text[0]).Valid() {
		return errors.New().WithData(ErrInvalidField, string(text))
	}
	*t = FieldType(text[0])

	return nil
}

// Field describes one value of a record.
type Field struct {
	Name   string    `json:"name"`
	Type   FieldType `json:"type"`
	Signed bool      `json:"signed"`
}

// Definition is the JSON form of a schema sent to clients.
type Definition struct {
	ID     uint16  `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// timestamp prefix of every record
const timestampSize = 8

// Schema is the ordered field layout of one stream. Fields may only be
// added until the schema is registered with a started server.
type Schema struct {
	id     uint16
	name   string
	fields []Field
	index  map[string]int
	size   int
	frozen atomic.Bool
}

func NewSchema(name string, id uint16) *Schema {
	return &Schema{
		id:    id,
		name:  name,
		index: make(map[string]int),
		size:  timestampSize,
	}
}

// SchemaFromDefinition rebuilds a frozen schema received from a server.
func SchemaFromDefinition(d Definition) (*Schema, error) {
	s := NewSchema(d.Name, d.ID)
	for _, f := range d.Fields {
		if err := s.Add(f.Name, f.Type); err != nil {
			return nil, err
		}
	}
	s.freeze()

	return s, nil
}

// Add appends a field. Names must be unique within the schema.
func (s *Schema) Add(name string, t FieldType) error {
	errFactory := errors.New()

	if s.frozen.Load() {
		return errFactory.WithData(ErrSchemaFrozen, s.name)
	}
	if name == "" || !t.Valid() {
		return errFactory.WithData(ErrInvalidField, name)
	}
	if _, ok := s.index[name]; ok {
		return errFactory.WithData(ErrDuplicateField, name)
	}

	s.index[name] = len(s.fields)
	s.fields = append(s.fields, Field{Name: name, Type: t, Signed: t == Int})
	s.size += t.Size()

	return nil
}

func (s *Schema) AddByte(name string) error   { return s.Add(name, Byte) }
func (s *Schema) AddWord(name string) error   { return s.Add(name, Word) }
func (s *Schema) AddInt(name string) error    { return s.Add(name, Int) }
func (s *Schema) AddDouble(name string) error { return s.Add(name, Double) }

func (s *Schema) ID() uint16 {
	return s.id
}

func (s *Schema) Name() string {
	return s.name
}

func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)

	return out
}

func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]

	return i, ok
}

// RecordSize is the encoded record length including the timestamp.
func (s *Schema) RecordSize() int {
	return s.size
}

func (s *Schema) Frozen() bool {
	return s.frozen.Load()
}

func (s *Schema) freeze() {
	s.frozen.Store(true)
}

func (s *Schema) Definition() Definition {
	return Definition{ID: s.id, Name: s.name, Fields: s.Fields()}
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Definition())
}

// sameLayout reports whether two schemas encode records identically.
func (s *Schema) sameLayout(o *Schema) bool {
	if s.id != o.id || s.name != o.name || len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i].Name != o.fields[i].Name || s.fields[i].Type != o.fields[i].Type {
			return false
		}
	}

	return true
}
