package relational

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
)

// encodeValue converts one entity field value into the bind value the
// backing engine stores for this column.
func (c *Column) encodeValue(v interface{}) (interface{}, error) {
	if v == nil {
		if !c.IsNullable() {
			return nil, errors.Internal("column %s is non-nullable but got a null value", c.Name)
		}
		return nil, nil
	}
	if c.IsList() {
		items, ok := v.([]interface{})
		if !ok {
			return nil, errors.Internal("column %s stores a list but got %T", c.Name, v)
		}
		encoded := make([]interface{}, len(items))
		for i, item := range items {
			e, err := encodeScalar(c.Type.Kind, item)
			if err != nil {
				return nil, errors.Internal("column %s element %d: %v", c.Name, i, err)
			}
			encoded[i] = jsonScalar(c.Type.Kind, e)
		}
		blob, err := json.Marshal(encoded)
		if err != nil {
			return nil, errors.Internal("column %s: encoding list: %v", c.Name, err)
		}
		return string(blob), nil
	}
	e, err := encodeScalar(c.Type.Kind, v)
	if err != nil {
		return nil, errors.Internal("column %s: %v", c.Name, err)
	}
	return e, nil
}

func encodeScalar(kind ColumnKind, v interface{}) (interface{}, error) {
	switch kind {
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindBigDecimal:
		switch d := v.(type) {
		case *big.Float:
			return d.Text('f', -1), nil
		case string:
			if _, err := entity.ParseBigDecimal(d); err != nil {
				return nil, err
			}
			return d, nil
		}
	case KindBigInt:
		switch i := v.(type) {
		case *big.Int:
			return i.String(), nil
		case string:
			if _, err := entity.ParseBigInt(i); err != nil {
				return nil, err
			}
			return i, nil
		}
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return decodeHex(b)
		}
	case KindInt:
		switch i := v.(type) {
		case int32:
			return int64(i), nil
		case int:
			return int64(i), nil
		case int64:
			return i, nil
		}
	case KindInt8:
		switch i := v.(type) {
		case int64:
			return i, nil
		case int:
			return int64(i), nil
		case int32:
			return int64(i), nil
		}
	case KindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return entity.FormatTimestamp(t), nil
		case int64:
			return t, nil
		}
	case KindString, KindTSVector, KindEnum:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("value of type %T can not be stored as %v", v, kind)
}

// jsonScalar renders an encoded scalar in its JSON list representation;
// bytes become 0x hex strings since JSON has no binary values.
func jsonScalar(kind ColumnKind, v interface{}) interface{} {
	if kind == KindBytes {
		if b, ok := v.([]byte); ok {
			return "0x" + hex.EncodeToString(b)
		}
	}
	return v
}

func decodeHex(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return b, nil
}

// decodeValue converts one raw value the driver returned into the entity
// value for this column; one decode rule per physical kind.
func (c *Column) decodeValue(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	if c.IsList() {
		var items []interface{}
		if err := json.Unmarshal([]byte(asString(raw)), &items); err != nil {
			return nil, errors.Internal("column %s: decoding list: %v", c.Name, err)
		}
		decoded := make([]interface{}, len(items))
		for i, item := range items {
			v, err := decodeJSONScalar(c.Type.Kind, item)
			if err != nil {
				return nil, errors.Internal("column %s element %d: %v", c.Name, i, err)
			}
			decoded[i] = v
		}
		return decoded, nil
	}
	v, err := decodeScalar(c.Type.Kind, raw)
	if err != nil {
		return nil, errors.Internal("column %s: %v", c.Name, err)
	}
	return v, nil
}

func decodeScalar(kind ColumnKind, raw interface{}) (interface{}, error) {
	switch kind {
	case KindBoolean:
		switch b := raw.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
	case KindBigDecimal:
		switch d := raw.(type) {
		case string:
			return entity.ParseBigDecimal(d)
		case []byte:
			return entity.ParseBigDecimal(string(d))
		case int64:
			return new(big.Float).SetInt64(d), nil
		case float64:
			return big.NewFloat(d), nil
		}
	case KindBigInt:
		switch i := raw.(type) {
		case string:
			return entity.ParseBigInt(i)
		case []byte:
			return entity.ParseBigInt(string(i))
		case int64:
			return big.NewInt(i), nil
		}
	case KindBytes:
		if b, ok := raw.([]byte); ok {
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		}
	case KindInt:
		if i, ok := raw.(int64); ok {
			return int32(i), nil
		}
	case KindInt8:
		if i, ok := raw.(int64); ok {
			return i, nil
		}
	case KindTimestamp:
		if i, ok := raw.(int64); ok {
			return entity.ParseTimestamp(i), nil
		}
	case KindString, KindTSVector, KindEnum:
		switch s := raw.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	}
	return nil, fmt.Errorf("driver value of type %T can not be decoded as %v", raw, kind)
}

// decodeJSONScalar decodes one element of a stored JSON list. JSON numbers
// arrive as float64.
func decodeJSONScalar(kind ColumnKind, item interface{}) (interface{}, error) {
	switch kind {
	case KindBoolean:
		if b, ok := item.(bool); ok {
			return b, nil
		}
	case KindBigDecimal:
		if s, ok := item.(string); ok {
			return entity.ParseBigDecimal(s)
		}
		if f, ok := item.(float64); ok {
			return big.NewFloat(f), nil
		}
	case KindBigInt:
		if s, ok := item.(string); ok {
			return entity.ParseBigInt(s)
		}
		if f, ok := item.(float64); ok {
			return big.NewInt(int64(f)), nil
		}
	case KindBytes:
		if s, ok := item.(string); ok {
			return decodeHex(s)
		}
	case KindInt:
		if f, ok := item.(float64); ok {
			return int32(f), nil
		}
	case KindInt8:
		if f, ok := item.(float64); ok {
			return int64(f), nil
		}
	case KindTimestamp:
		if f, ok := item.(float64); ok {
			return entity.ParseTimestamp(int64(f)), nil
		}
	case KindString, KindEnum:
		if s, ok := item.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("list element of type %T can not be decoded as %v", item, kind)
}

func asString(raw interface{}) string {
	switch s := raw.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(raw)
	}
}

// idBind converts a canonical id string into the bind value for the
// table's primary key column.
func (t *Table) idBind(id string) (interface{}, error) {
	switch t.PrimaryKey().Type.Kind {
	case KindBytes:
		return decodeHex(id)
	case KindInt8:
		i, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errors.Internal("table %s: invalid int id %q", t.Name, id)
		}
		return i, nil
	default:
		return id, nil
	}
}

// decodeID renders a raw primary-key value in its canonical string form.
func (t *Table) decodeID(raw interface{}) (string, error) {
	v, err := decodeScalar(t.PrimaryKey().Type.Kind, raw)
	if err != nil {
		return "", errors.Internal("table %s: %v", t.Name, err)
	}
	return entity.EncodeID(v)
}
