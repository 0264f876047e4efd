// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"reflect"
	"strings"
)

// AttributeGetter lets opaque subjects answer condition lookups without
// exposing their fields to reflection.
type AttributeGetter interface {
	Attribute(name string) (any, bool)
}

// conditionsHold reports whether every condition matches the subject.
// A nil subject satisfies any condition set: string resources carry no
// attributes to check.
func conditionsHold(conditions []Condition, subject any) bool {
	if len(conditions) == 0 || subject == nil {
		return true
	}
	for _, c := range conditions {
		got, ok := resolveAttribute(subject, c.Attribute)
		if !ok || !valuesEqual(got, c.Value) {
			return false
		}
	}
	return true
}

func resolveAttribute(subject any, name string) (any, bool) {
	switch s := subject.(type) {
	case AttributeGetter:
		return s.Attribute(name)
	case map[string]any:
		v, ok := s[name]
		return v, ok
	case map[string]string:
		v, ok := s[name]
		return v, ok
	}
	return structAttribute(reflect.ValueOf(subject), name)
}

// structAttribute finds a field by json tag or, failing that, by
// case-insensitive field name, the way encoding/json resolves keys.
func structAttribute(v reflect.Value, name string) (any, bool) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag != "-" && tag == name {
			return v.Field(i).Interface(), true
		}
		if strings.EqualFold(f.Name, name) {
			return v.Field(i).Interface(), true
		}
	}
	return nil, false
}

// valuesEqual compares with numeric widening so a condition written as
// an int matches a JSON-decoded float64.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
