// Package schema holds the validated entity schema that the relational
// mapping consumes. Parsing and type-checking of user input happens
// upstream; this package only verifies structural invariants and provides
// the introspection the storage core needs.
package schema

import (
	"fmt"
	"sort"
	"time"

	"github.com/blockrel/blockrel/internal/errors"
)

// Builtin scalar type names.
const (
	TypeBoolean    = "Boolean"
	TypeBigDecimal = "BigDecimal"
	TypeBigInt     = "BigInt"
	TypeBytes      = "Bytes"
	TypeInt        = "Int"
	TypeInt8       = "Int8"
	TypeTimestamp  = "Timestamp"
	TypeString     = "String"
)

// IDKind enumerates the storage kinds allowed for primary keys.
type IDKind int

const (
	IDString IDKind = iota
	IDBytes
	IDInt64
)

func (k IDKind) String() string {
	switch k {
	case IDString:
		return "String"
	case IDBytes:
		return "Bytes"
	case IDInt64:
		return "Int8"
	default:
		return fmt.Sprintf("IDKind(%d)", int(k))
	}
}

// FieldType describes the logical type of one entity field.
type FieldType struct {
	// Base is the scalar, enum, or entity type name without any
	// list/non-null wrappers.
	Base    string `json:"base"`
	NonNull bool   `json:"non_null,omitempty"`
	IsList  bool   `json:"is_list,omitempty"`
}

// Field is one attribute of an entity type. Derived fields are computed
// from reverse lookups and get no column of their own.
type Field struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Derived bool      `json:"derived,omitempty"`
}

// EntityType describes one entity type of the schema.
type EntityType struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`

	// Immutable entities are never updated or deleted once written.
	Immutable bool `json:"immutable,omitempty"`

	// Timeseries entities are immutable rows keyed by a timestamp; they
	// serve as rollup sources.
	Timeseries bool `json:"timeseries,omitempty"`
}

// Field returns the field with the given name, or nil.
func (et *EntityType) Field(name string) *Field {
	for i := range et.Fields {
		if et.Fields[i].Name == name {
			return &et.Fields[i]
		}
	}
	return nil
}

// IDKind reports the storage kind of the entity's primary key.
func (et *EntityType) IDKind() (IDKind, error) {
	id := et.Field("id")
	if id == nil {
		return IDString, errors.Internal("entity type %q has no id field", et.Name)
	}
	return IDKindOf(id.Type.Base)
}

// IDKindOf maps an id field's base type to its storage kind.
func IDKindOf(base string) (IDKind, error) {
	switch base {
	case TypeString:
		return IDString, nil
	case TypeBytes:
		return IDBytes, nil
	case TypeInt8:
		return IDInt64, nil
	default:
		return IDString, errors.New(errors.ErrCategorySchema, errors.CodeUnknownType,
			fmt.Sprintf("only String, Bytes, and Int8 are allowed as primary keys, not %q", base))
	}
}

// FulltextDefinition describes one full-text index over a set of entity
// fields; it materializes as one extra column on the entity's table.
type FulltextDefinition struct {
	Name           string   `json:"name"`
	EntityType     string   `json:"entity_type"`
	IncludedFields []string `json:"included_fields"`
}

// AggregateFunc is the closed set of rollup aggregation functions.
type AggregateFunc string

const (
	AggSum   AggregateFunc = "sum"
	AggMax   AggregateFunc = "max"
	AggMin   AggregateFunc = "min"
	AggCount AggregateFunc = "count"
	AggFirst AggregateFunc = "first"
	AggLast  AggregateFunc = "last"
)

// Expression maps one aggregation-table field to an aggregate over a
// source-table field. Source is empty for count.
type Expression struct {
	Name   string        `json:"name"`
	Func   AggregateFunc `json:"func"`
	Source string        `json:"source,omitempty"`
}

// Aggregation maps a timeseries source type onto an aggregation type for
// one bucket interval.
type Aggregation struct {
	Interval    time.Duration `json:"interval"`
	SourceType  string        `json:"source_type"`
	AggType     string        `json:"agg_type"`
	Dimensions  []string      `json:"dimensions,omitempty"`
	Expressions []Expression  `json:"expressions"`
}

// Definition is the serializable form of a schema. The catalog persists it
// (compressed) alongside the deployment so a Layout can be rebuilt without
// re-parsing user input.
type Definition struct {
	EntityTypes  []EntityType         `json:"entity_types"`
	Enums        map[string][]string  `json:"enums,omitempty"`
	Fulltext     []FulltextDefinition `json:"fulltext,omitempty"`
	Aggregations []Aggregation        `json:"aggregations,omitempty"`
}

// Schema is a validated schema definition with lookup indexes.
type Schema struct {
	def      Definition
	types    map[string]*EntityType
	enums    map[string][]string
	fulltext map[string][]FulltextDefinition
}

// New validates a definition and builds a Schema from it. Aggregations are
// ordered by ascending interval so that rollup processing can rely on
// smaller buckets being filled before larger ones.
func New(def Definition) (*Schema, error) {
	s := &Schema{
		def:      def,
		types:    make(map[string]*EntityType, len(def.EntityTypes)),
		enums:    make(map[string][]string, len(def.Enums)),
		fulltext: make(map[string][]FulltextDefinition),
	}
	for i := range def.EntityTypes {
		et := &s.def.EntityTypes[i]
		if _, ok := s.types[et.Name]; ok {
			return nil, errors.Internal("duplicate entity type %q", et.Name)
		}
		if et.Field("id") == nil {
			return nil, errors.Internal("entity type %q has no id field", et.Name)
		}
		if _, err := et.IDKind(); err != nil {
			return nil, err
		}
		if et.Timeseries {
			if !et.Immutable {
				return nil, errors.Internal("timeseries type %q must be immutable", et.Name)
			}
			if f := et.Field("timestamp"); f == nil || f.Type.Base != TypeTimestamp {
				return nil, errors.Internal("timeseries type %q needs a Timestamp field named timestamp", et.Name)
			}
		}
		s.types[et.Name] = et
	}
	for name, values := range def.Enums {
		if len(values) == 0 {
			return nil, errors.Internal("enum %q has no values", name)
		}
		s.enums[name] = values
	}
	for _, ft := range def.Fulltext {
		if _, ok := s.types[ft.EntityType]; !ok {
			return nil, errors.UnknownTable(ft.EntityType)
		}
		s.fulltext[ft.EntityType] = append(s.fulltext[ft.EntityType], ft)
	}
	for _, agg := range def.Aggregations {
		if _, ok := s.types[agg.SourceType]; !ok {
			return nil, errors.UnknownTable(agg.SourceType)
		}
		if _, ok := s.types[agg.AggType]; !ok {
			return nil, errors.UnknownTable(agg.AggType)
		}
		if agg.Interval <= 0 {
			return nil, errors.Internal("aggregation %q has non-positive interval", agg.AggType)
		}
	}
	sort.SliceStable(s.def.Aggregations, func(i, j int) bool {
		return s.def.Aggregations[i].Interval < s.def.Aggregations[j].Interval
	})
	return s, nil
}

// Definition returns the serializable form of the schema.
func (s *Schema) Definition() Definition {
	return s.def
}

// EntityTypes returns all entity types in declaration order.
func (s *Schema) EntityTypes() []*EntityType {
	out := make([]*EntityType, len(s.def.EntityTypes))
	for i := range s.def.EntityTypes {
		out[i] = &s.def.EntityTypes[i]
	}
	return out
}

// EntityType returns the entity type with the given name, or nil.
func (s *Schema) EntityType(name string) *EntityType {
	return s.types[name]
}

// IsReference reports whether the given base type names another entity
// type, i.e. whether a field of that type stores a foreign id.
func (s *Schema) IsReference(base string) bool {
	_, ok := s.types[base]
	return ok
}

// EnumValues returns the ordered value set of the named enum.
func (s *Schema) EnumValues(name string) ([]string, bool) {
	values, ok := s.enums[name]
	return values, ok
}

// EnumTypes returns all enum type names, sorted.
func (s *Schema) EnumTypes() []string {
	names := make([]string, 0, len(s.enums))
	for name := range s.enums {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FulltextDefinitions returns the full-text definitions for one entity type.
func (s *Schema) FulltextDefinitions(entityType string) []FulltextDefinition {
	return s.fulltext[entityType]
}

// Aggregations returns all aggregation mappings in ascending interval order.
func (s *Schema) Aggregations() []Aggregation {
	return s.def.Aggregations
}

// IsScalar reports whether name is one of the builtin scalar types.
func IsScalar(name string) bool {
	switch name {
	case TypeBoolean, TypeBigDecimal, TypeBigInt, TypeBytes, TypeInt, TypeInt8, TypeTimestamp, TypeString:
		return true
	default:
		return false
	}
}
