// Package relational maps a dynamically-defined entity schema onto
// relational tables, storing every historical version of every entity keyed
// by the block at which it was valid. Each entity type gets its own table
// whose structure follows the schema type, using the native SQL types that
// most appropriately map to the field types.
//
// The pivotal type is Layout, which owns all the information about mapping
// a schema to database tables and exposes the read, write, revert, and
// rollup operations.
package relational

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/blockrel/blockrel/internal/errors"
)

// SQLName is a string we use as a SQL name for a table or column. The
// important thing is that SQL names are snake cased. Using this type makes
// it easier to spot cases where we use a schema name like 'bigThing' when
// we should really use the SQL version 'big_thing'.
type SQLName string

// SQLNameOf snake-cases an arbitrary schema name. It never fails; gating of
// user-supplied names happens through CheckValidIdentifier before they
// become part of a table or column identity.
func SQLNameOf(name string) SQLName {
	return SQLName(toSnakeCase(name))
}

// VerbatimName uses a name as-is, without snake-casing. Reserved for
// internal names like the block range and vid columns.
func VerbatimName(name string) SQLName {
	return SQLName(name)
}

func (n SQLName) String() string { return string(n) }

// Quoted returns the name in double quotes for direct use in SQL text.
func (n SQLName) Quoted() string {
	return fmt.Sprintf("%q", string(n))
}

// QualifiedName combines a deployment namespace and a table name. SQLite
// has a single namespace per database file, so deployment namespaces become
// table-name prefixes rather than schemas.
func QualifiedName(namespace string, name SQLName) SQLName {
	return SQLName(fmt.Sprintf("%s_%s", namespace, name))
}

// CheckValidIdentifier checks that name matches /[A-Za-z_][A-Za-z0-9_]*/.
// kind names what the identifier is for, e.g. "entity type" or "attribute",
// and only appears in the error message.
func CheckValidIdentifier(name, kind string) error {
	if name == "" {
		return errors.InvalidIdentifier(fmt.Sprintf("can not use an empty name for a %s", kind))
	}
	for i, c := range name {
		if i == 0 {
			if !isASCIIAlpha(c) && c != '_' {
				return errors.InvalidIdentifier(fmt.Sprintf(
					"the name %q can not be used for a %s; it must start with an ASCII alphabetic character or `_`",
					name, kind))
			}
			continue
		}
		if !isASCIIAlpha(c) && !isASCIIDigit(c) && c != '_' {
			return errors.InvalidIdentifier(fmt.Sprintf(
				"the name %q can not be used for a %s; it can only contain alphanumeric characters and `_`",
				name, kind))
		}
	}
	return nil
}

func isASCIIAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// isASCIIDigit deliberately excludes the non-ASCII runes unicode.IsDigit
// accepts; identifiers admit only [A-Za-z0-9_].
func isASCIIDigit(c rune) bool {
	return c >= '0' && c <= '9'
}

// toSnakeCase lower-snake-cases a mixed-case name: "BigThing" and
// "bigThing" both become "big_thing". Runs of upper-case letters collapse
// into one word, so "ERC20Token" becomes "erc20_token".
func toSnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, c := range runes {
		if unicode.IsUpper(c) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && runes[i-1] != '_' && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(c))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
