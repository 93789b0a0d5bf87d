package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value kinds carried by job arguments.
const (
	kindString      = "string"
	kindTime        = "time"
	kindStringSlice = "strings"
)

// ConversionError reports a typed getter applied to a value of another kind.
type ConversionError struct {
	Key  string
	Want string
	Got  string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("argument %q holds %s, requested as %s", e.Key, e.Got, e.Want)
}

// Value is one typed job argument. The zero Value is invalid; construct
// through the Arguments setters or the JSON codec.
type Value struct {
	kind string
	str  string
	ts   time.Time
	list []string
}

type valueWire struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.kind {
	case kindString:
		raw = v.str
	case kindTime:
		raw = v.ts.Format(time.RFC3339)
	case kindStringSlice:
		list := v.list
		if list == nil {
			list = []string{}
		}
		raw = list
	default:
		return nil, fmt.Errorf("unknown argument kind %q", v.kind)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueWire{Type: v.kind, Value: payload})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case kindString:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		*v = Value{kind: kindString, str: s}
	case kindTime:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*v = Value{kind: kindTime, ts: ts}
	case kindStringSlice:
		var list []string
		if err := json.Unmarshal(wire.Value, &list); err != nil {
			return err
		}
		if list == nil {
			list = []string{}
		}
		*v = Value{kind: kindStringSlice, list: list}
	default:
		return fmt.Errorf("unknown argument kind %q", wire.Type)
	}
	return nil
}

// Arguments is the flat typed bag a job carries. Getters distinguish an
// absent key (ok=false, nil error) from a kind mismatch (*ConversionError).
type Arguments map[string]Value

// SetString stores a string argument.
func (a Arguments) SetString(key, value string) {
	a[key] = Value{kind: kindString, str: value}
}

// SetTime stores a timestamp argument.
func (a Arguments) SetTime(key string, value time.Time) {
	a[key] = Value{kind: kindTime, ts: value}
}

// SetStringSlice stores a string-list argument. A nil slice is stored as an
// empty list; presence and emptiness stay distinguishable.
func (a Arguments) SetStringSlice(key string, value []string) {
	list := make([]string, len(value))
	copy(list, value)
	a[key] = Value{kind: kindStringSlice, list: list}
}

// String fetches a string argument.
func (a Arguments) String(key string) (string, bool, error) {
	v, ok := a[key]
	if !ok {
		return "", false, nil
	}
	if v.kind != kindString {
		return "", false, &ConversionError{Key: key, Want: kindString, Got: v.kind}
	}
	return v.str, true, nil
}

// Time fetches a timestamp argument.
func (a Arguments) Time(key string) (time.Time, bool, error) {
	v, ok := a[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if v.kind != kindTime {
		return time.Time{}, false, &ConversionError{Key: key, Want: kindTime, Got: v.kind}
	}
	return v.ts, true, nil
}

// StringSlice fetches a string-list argument.
func (a Arguments) StringSlice(key string) ([]string, bool, error) {
	v, ok := a[key]
	if !ok {
		return nil, false, nil
	}
	if v.kind != kindStringSlice {
		return nil, false, &ConversionError{Key: key, Want: kindStringSlice, Got: v.kind}
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out, true, nil
}

// Clone deep-copies the bag so queued jobs are isolated from later edits.
func (a Arguments) Clone() Arguments {
	out := make(Arguments, len(a))
	for k, v := range a {
		if v.list != nil {
			list := make([]string, len(v.list))
			copy(list, v.list)
			v.list = list
		}
		out[k] = v
	}
	return out
}
