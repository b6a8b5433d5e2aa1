package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ToJSON converts a Value to a JSON-encodable interface{}, preserving the
// integer/float distinction by emitting json.Number for both (json.Number's
// textual form round-trips "3" vs "3.0" without collapsing to float64).
func ToJSON(v Value) (interface{}, error) {
	switch v.Kind {
	case KindNil:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return json.Number(fmt.Sprintf("%d", v.Int)), nil
	case KindFloat:
		s := fmt.Sprintf("%g", v.Float)
		if !bytes.ContainsAny([]byte(s), ".eEnN") {
			s += ".0"
		}
		return json.Number(s), nil
	case KindString, KindKeyword, KindSymbol:
		return v.Str, nil
	case KindVector, KindList:
		src := v.Vector
		if v.Kind == KindList {
			src = v.List
		}
		out := make([]interface{}, len(src))
		for i, item := range src {
			j, err := ToJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = j
		}
		return out, nil
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, val := range v.Map {
			if k.Kind == MapKeyInt {
				return nil, fmt.Errorf("value: cannot encode integer map key %d to JSON object", k.Int)
			}
			j, err := ToJSON(val)
			if err != nil {
				return nil, err
			}
			out[k.Str] = j
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value: cannot encode %s to JSON", v.Kind)
	}
}

// Marshal encodes a Value as a JSON byte slice.
func Marshal(v Value) ([]byte, error) {
	j, err := ToJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// FromJSON converts decoded JSON (as produced by a json.Decoder configured
// with UseNumber) into a Value, mapping objects to KindMap with string keys,
// arrays to KindVector, and numbers to KindInt or KindFloat depending on
// whether the literal textual form contains a fractional/exponent part.
func FromJSON(j interface{}) (Value, error) {
	switch t := j.(type) {
	case nil:
		return Nil, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return numberToValue(t)
	case float64:
		// Reached only when the caller didn't use UseNumber(); best effort.
		if t == float64(int64(t)) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, item := range t {
			cv, err := FromJSON(item)
			if err != nil {
				return Nil, err
			}
			out[i] = cv
		}
		return Vector(out), nil
	case map[string]interface{}:
		out := make(map[MapKey]Value, len(t))
		for k, val := range t {
			cv, err := FromJSON(val)
			if err != nil {
				return Nil, err
			}
			out[StringKey(k)] = cv
		}
		return Map(out), nil
	default:
		return Nil, fmt.Errorf("value: unsupported JSON type %T", j)
	}
}

func numberToValue(n json.Number) (Value, error) {
	s := n.String()
	for _, c := range s {
		if c == '.' || c == 'e' || c == 'E' {
			f, err := n.Float64()
			if err != nil {
				return Nil, fmt.Errorf("value: invalid float literal %q: %w", s, err)
			}
			return Float(f), nil
		}
	}
	i, err := n.Int64()
	if err != nil {
		// Falls outside int64 range or otherwise unparsable as int; treat as float.
		f, ferr := n.Float64()
		if ferr != nil {
			return Nil, fmt.Errorf("value: invalid numeric literal %q: %w", s, err)
		}
		return Float(f), nil
	}
	return Int(i), nil
}

// Unmarshal decodes JSON bytes into a Value, preserving int/float distinction
// via json.Decoder.UseNumber.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Nil, fmt.Errorf("value: decode JSON: %w", err)
	}
	return FromJSON(raw)
}
