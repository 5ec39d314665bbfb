package xjson

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"strconv"

	gjson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers to allow a single import site to switch
// between standard encoding/json and goccy/go-json without touching callers.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// Decode parses data keeping numbers as Number so integers survive the trip
// back to their string form unchanged.
func Decode(data []byte) (interface{}, error) {
	dec := gjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Stringify renders a decoded JSON value the way task outputs carry it:
// scalars as plain text, containers as compact JSON.
func Stringify(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case Number:
		return val.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		b, err := Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// StringMap decodes a JSON object of string values; empty input yields an
// empty map.
func StringMap(data []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// Number is kept compatible with encoding/json's Number type.
type Number = stdjson.Number
