// Package entity holds the runtime representation of entity values as they
// move between callers and the relational storage core.
package entity

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// DefaultCausalityRegion is the implicit region for tables without a
// causality-region column.
const DefaultCausalityRegion int32 = 0

// Key identifies one entity: its type, its id, and the causality region its
// history belongs to.
type Key struct {
	EntityType      string
	ID              string
	CausalityRegion int32
}

func (k Key) String() string {
	if k.CausalityRegion == DefaultCausalityRegion {
		return fmt.Sprintf("%s[%s]", k.EntityType, k.ID)
	}
	return fmt.Sprintf("%s[%s]@%d", k.EntityType, k.ID, k.CausalityRegion)
}

// Entity is one version of one entity, mapping field names to values.
//
// Values are one of: bool, int32, int64, string, []byte, time.Time,
// *big.Int, *big.Float, or []interface{} of those for list fields. Nil
// values are absent from the map.
type Entity map[string]interface{}

// ID returns the entity's id field rendered canonically.
func (e Entity) ID() (string, error) {
	v, ok := e["id"]
	if !ok {
		return "", fmt.Errorf("entity has no id")
	}
	return EncodeID(v)
}

// EncodeID renders an id value in its canonical string form: strings
// verbatim, byte ids as 0x-prefixed lower hex, int64 ids in decimal.
func EncodeID(v interface{}) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case []byte:
		return "0x" + hex.EncodeToString(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	default:
		return "", fmt.Errorf("invalid id value of type %T", v)
	}
}

// CausalityRegionOf returns the region recorded on the entity, defaulting
// to the implicit region.
func CausalityRegionOf(e Entity) int32 {
	if v, ok := e["causality_region"]; ok {
		if cr, ok := v.(int64); ok {
			return int32(cr)
		}
		if cr, ok := v.(int32); ok {
			return cr
		}
	}
	return DefaultCausalityRegion
}

// ParseBigInt parses the canonical text form of a BigInt value.
func ParseBigInt(s string) (*big.Int, error) {
	i, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid BigInt value %q", s)
	}
	return i, nil
}

// ParseBigDecimal parses the canonical text form of a BigDecimal value.
func ParseBigDecimal(s string) (*big.Float, error) {
	f, _, err := big.ParseFloat(strings.TrimSpace(s), 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("invalid BigDecimal value %q: %w", s, err)
	}
	return f, nil
}

// FormatTimestamp renders a timestamp as the integer microseconds it is
// stored as.
func FormatTimestamp(t time.Time) int64 {
	return t.UnixMicro()
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
