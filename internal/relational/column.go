package relational

import (
	"fmt"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/schema"
)

// The size of string prefixes that we index. This is chosen so that we will
// index strings that people will do string comparisons like `=` or `!=` on;
// if text longer than this is stored in a String attribute it is highly
// unlikely that it will be used for exact string operations. This also
// makes sure that we do not put strings into a btree index that are bigger
// than the backing engine's limit on index keys.
const (
	StringPrefixSize    = 256
	ByteArrayPrefixSize = 64
)

// ColumnKind enumerates the physical kinds a column can have.
type ColumnKind int

const (
	KindBoolean ColumnKind = iota
	KindBigDecimal
	KindBigInt
	KindBytes
	KindInt
	KindInt8
	KindTimestamp
	KindString
	KindTSVector
	KindEnum
)

// EnumType is a user-defined enum. Since SQLite has no native enum types,
// enum columns are text columns with a check constraint over the value set.
type EnumType struct {
	// Name of the enum, qualified with the deployment namespace.
	Name SQLName
	// Values the enum can take, in declaration order.
	Values []string
}

// isAssignableFrom reports why source values can not be copied into this
// enum, or "" if they can. That is the case exactly when the source's value
// set is a subset of ours.
func (e *EnumType) isAssignableFrom(source *EnumType) string {
	have := make(map[string]bool, len(e.Values))
	for _, v := range e.Values {
		have[v] = true
	}
	for _, v := range source.Values {
		if !have[v] {
			return fmt.Sprintf("the enum type %s contains values not present in %s", source.Name, e.Name)
		}
	}
	return ""
}

// ColumnType is the physical type of one column. This is almost the same as
// the schema's scalar set, but without ID and List; we only care about
// kinds that directly correspond to SQL column types.
type ColumnType struct {
	Kind ColumnKind
	// Enum is set only for KindEnum.
	Enum *EnumType
	// Fulltext lists the entity fields feeding a KindTSVector column.
	Fulltext []string
}

func (ct ColumnType) String() string {
	switch ct.Kind {
	case KindBoolean:
		return "Boolean"
	case KindBigDecimal:
		return "BigDecimal"
	case KindBigInt:
		return "BigInt"
	case KindBytes:
		return "Bytes"
	case KindInt:
		return "Int"
	case KindInt8:
		return "Int8"
	case KindTimestamp:
		return "Timestamp"
	case KindString:
		return "String"
	case KindTSVector:
		return "TSVector"
	case KindEnum:
		return fmt.Sprintf("Enum(%s)", ct.Enum.Name)
	default:
		return fmt.Sprintf("ColumnKind(%d)", int(ct.Kind))
	}
}

// SQLType returns the column's type in table definitions. SQLite applies
// type affinity, so the names matter mostly for documentation; the decode
// rules key off ColumnKind, not off what SQLite reports back.
func (ct ColumnType) SQLType() string {
	switch ct.Kind {
	case KindBoolean:
		return "boolean"
	case KindBigDecimal, KindBigInt:
		// Stored as canonical decimal text to preserve precision.
		return "numeric"
	case KindBytes:
		return "blob"
	case KindInt:
		return "integer"
	case KindInt8:
		return "integer"
	case KindTimestamp:
		// Microseconds since the Unix epoch.
		return "integer"
	case KindString, KindTSVector:
		return "text"
	case KindEnum:
		return "text"
	default:
		return "text"
	}
}

// columnTypeForID maps an id kind to the column type storing it.
func columnTypeForID(kind schema.IDKind) ColumnType {
	switch kind {
	case schema.IDBytes:
		return ColumnType{Kind: KindBytes}
	case schema.IDInt64:
		return ColumnType{Kind: KindInt8}
	default:
		return ColumnType{Kind: KindString}
	}
}

// ColumnTypeFor resolves a field type to a column type. Resolution order:
// entity types map to the referenced entity's id kind; registered enums
// become enum columns qualified by the deployment namespace, unless the
// column already exists as plain text (a back-compatibility escape hatch
// for deployments created before enum columns existed); anything else must
// be one of the builtin scalars.
func ColumnTypeFor(s *schema.Schema, fieldType schema.FieldType, cat *catalog.Catalog, isExistingTextColumn bool) (ColumnType, error) {
	base := fieldType.Base

	if refType := s.EntityType(base); refType != nil {
		kind, err := refType.IDKind()
		if err != nil {
			return ColumnType{}, err
		}
		return columnTypeForID(kind), nil
	}

	if values, ok := s.EnumValues(base); ok {
		if isExistingTextColumn {
			// Columns that should really have been of an enum type were
			// historically created as text columns. To make queries work
			// against such tables we pretend the field is a String.
			return ColumnType{Kind: KindString}, nil
		}
		name := QualifiedName(cat.Site.Namespace, SQLNameOf(base))
		return ColumnType{Kind: KindEnum, Enum: &EnumType{Name: name, Values: values}}, nil
	}

	switch base {
	case schema.TypeBoolean:
		return ColumnType{Kind: KindBoolean}, nil
	case schema.TypeBigDecimal:
		return ColumnType{Kind: KindBigDecimal}, nil
	case schema.TypeBigInt:
		return ColumnType{Kind: KindBigInt}, nil
	case schema.TypeBytes:
		return ColumnType{Kind: KindBytes}, nil
	case schema.TypeInt:
		return ColumnType{Kind: KindInt}, nil
	case schema.TypeInt8:
		return ColumnType{Kind: KindInt8}, nil
	case schema.TypeTimestamp:
		return ColumnType{Kind: KindTimestamp}, nil
	case schema.TypeString:
		return ColumnType{Kind: KindString}, nil
	default:
		return ColumnType{}, errors.UnknownType(base)
	}
}

// equalColumnType compares two column types for exact equality; enum
// columns compare by qualified name and value set.
func equalColumnType(a, b ColumnType) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind != KindEnum {
		return true
	}
	if a.Enum.Name != b.Enum.Name || len(a.Enum.Values) != len(b.Enum.Values) {
		return false
	}
	for i := range a.Enum.Values {
		if a.Enum.Values[i] != b.Enum.Values[i] {
			return false
		}
	}
	return true
}

// Column describes one physical column of an entity table.
type Column struct {
	// Name of the column, snake-cased from the field name.
	Name SQLName
	// Field is the schema name of the attribute the column stores.
	Field string
	// FieldType is the logical type of the attribute.
	FieldType schema.FieldType
	// Type is the resolved physical type.
	Type ColumnType
	// FulltextFields is set for full-text columns.
	FulltextFields []string
	// isReference marks columns that store the id of another entity.
	isReference bool
	// UsePrefixComparison marks unbounded-length columns whose index and
	// comparisons only cover a prefix of the value.
	UsePrefixComparison bool
}

// newColumn builds the column for one schema field.
func newColumn(s *schema.Schema, tableName SQLName, field *schema.Field, cat *catalog.Catalog) (Column, error) {
	if err := CheckValidIdentifier(field.Name, "attribute"); err != nil {
		return Column{}, err
	}
	name := SQLNameOf(field.Name)
	isReference := s.IsReference(field.Type.Base)
	isPrimaryKey := string(name) == PrimaryKeyColumn

	var columnType ColumnType
	var err error
	if isPrimaryKey {
		var kind schema.IDKind
		kind, err = schema.IDKindOf(field.Type.Base)
		if err != nil {
			return Column{}, err
		}
		columnType = columnTypeForID(kind)
	} else {
		isExistingText := cat.IsExistingTextColumn(string(tableName), string(name))
		columnType, err = ColumnTypeFor(s, field.Type, cat, isExistingText)
		if err != nil {
			return Column{}, err
		}
	}

	// When a column has arbitrary size, we only index a prefix of the
	// value to avoid errors caused by entries that are too large for the
	// index. Installations that predate prefix handling for byte arrays
	// indexed them in their entirety; query generation has to match how
	// the columns are indexed, which is what the catalog flag remembers.
	usePrefix := !isPrimaryKey && !isReference && !field.Type.IsList &&
		(columnType.Kind == KindString ||
			(columnType.Kind == KindBytes && cat.UseBytesPrefix))

	return Column{
		Name:                name,
		Field:               field.Name,
		FieldType:           field.Type,
		Type:                columnType,
		isReference:         isReference,
		UsePrefixComparison: usePrefix,
	}, nil
}

// newFulltextColumn builds the extra column backing one full-text index
// definition.
func newFulltextColumn(def schema.FulltextDefinition) (Column, error) {
	if err := CheckValidIdentifier(def.Name, "attribute"); err != nil {
		return Column{}, err
	}
	return Column{
		Name:           SQLNameOf(def.Name),
		Field:          def.Name,
		FieldType:      schema.FieldType{Base: "fulltext"},
		Type:           ColumnType{Kind: KindTSVector, Fulltext: def.IncludedFields},
		FulltextFields: def.IncludedFields,
	}, nil
}

// PseudoColumn builds a column that is not backed by a schema field, e.g.
// for the proof-of-indexing table.
func PseudoColumn(name string, columnType ColumnType, nonNull bool) Column {
	return Column{
		Name:      VerbatimName(name),
		Field:     name,
		FieldType: schema.FieldType{Base: columnType.String(), NonNull: nonNull},
		Type:      columnType,
	}
}

// IsNullable reports whether the column accepts nulls.
func (c *Column) IsNullable() bool { return !c.FieldType.NonNull }

// IsList reports whether the column stores a list value.
func (c *Column) IsList() bool { return c.FieldType.IsList }

// IsEnum reports whether the column is an enum column.
func (c *Column) IsEnum() bool { return c.Type.Kind == KindEnum }

// IsFulltext reports whether the column backs a full-text index.
func (c *Column) IsFulltext() bool { return c.Type.Kind == KindTSVector }

// IsReference reports whether the column stores another entity's id.
func (c *Column) IsReference() bool { return c.isReference }

// IsPrimaryKey reports whether this is the entity id column.
func (c *Column) IsPrimaryKey() bool { return string(c.Name) == PrimaryKeyColumn }

// isAssignableFrom reports why values from source can not be copied into
// this column, or "" if they can. Nullability may only loosen, enums
// require a value-subset relationship, and everything else must match
// exactly.
func (c *Column) isAssignableFrom(source *Column, object string) string {
	if !c.IsNullable() && source.IsNullable() {
		return fmt.Sprintf(
			"the attribute %s.%s is non-nullable, but the corresponding attribute in the source is nullable",
			object, c.Field)
	}
	if c.Type.Kind == KindEnum {
		if source.Type.Kind != KindEnum {
			return fmt.Sprintf(
				"the attribute %s.%s is an enum %s, but its type in the source is %s",
				object, c.Field, c.Type, source.Type)
		}
		return c.Type.Enum.isAssignableFrom(source.Type.Enum)
	}
	if !equalColumnType(c.Type, source.Type) || c.IsList() != source.IsList() {
		return fmt.Sprintf(
			"the attribute %s.%s has type %s, but its type in the source is %s",
			object, c.Field, c.Type, source.Type)
	}
	return ""
}
