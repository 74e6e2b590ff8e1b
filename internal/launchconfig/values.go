package launchconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DecodeJSON unmarshals data into v. Numbers held in interface values keep
// the kind of their literal: 2 decodes as int64, 2.0 and 2.5 as float64.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after the JSON value")
	}

	switch t := v.(type) {
	case *any:
		*t = normalize(*t)
	case *map[string]any:
		normalizeMap(*t)
	case *[]any:
		for i, e := range *t {
			(*t)[i] = normalize(e)
		}
	case *LaunchFile:
		for i := range t.Configurations {
			normalizeConfiguration(&t.Configurations[i])
		}
	case *Configuration:
		normalizeConfiguration(t)
	}
	return nil
}

func normalizeConfiguration(c *Configuration) {
	normalizeMap(c.Inputs)
	normalizeMap(c.Options)
}

func normalizeMap(m map[string]any) {
	for k, e := range m {
		m[k] = normalize(e)
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		normalizeMap(x)
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	}
	return v
}

// copyValues deep copies a map of decoded values, keeping their Go types
func copyValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyValues(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
