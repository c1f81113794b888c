package cache

import (
	"encoding/json"
	"strconv"
)

// PK is a primary key value usable as a map key. Strings and numbers are
// kept apart, so the number 1 and the string "1" are different keys.
type PK struct {
	str   string
	num   float64
	isNum bool
}

// PKOf accepts string and numeric primary key values. Anything else,
// including nil, is rejected.
func PKOf(v any) (PK, bool) {
	switch t := v.(type) {
	case string:
		return PK{str: t}, true
	case float64:
		return PK{num: t, isNum: true}, true
	case float32:
		return PK{num: float64(t), isNum: true}, true
	case int:
		return PK{num: float64(t), isNum: true}, true
	case int64:
		return PK{num: float64(t), isNum: true}, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return PK{}, false
		}
		return PK{num: f, isNum: true}, true
	default:
		return PK{}, false
	}
}

// Value returns the key as a JSON-encodable value.
func (p PK) Value() any {
	if p.isNum {
		return p.num
	}
	return p.str
}

func (p PK) String() string {
	if p.isNum {
		return strconv.FormatFloat(p.num, 'f', -1, 64)
	}
	return p.str
}

func (p PK) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Value())
}
