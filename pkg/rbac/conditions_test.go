// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type attrSubject map[string]any

func (s attrSubject) Attribute(name string) (any, bool) {
	v, ok := s["x-"+name]
	return v, ok
}

type docSubject struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Size    int    `json:"size"`
	hidden  string
	Skipped string `json:"-"`
}

func TestConditionsHoldVacuously(t *testing.T) {
	t.Parallel()

	conds := []Condition{{Attribute: "id", Value: "u1"}}
	assert.True(t, conditionsHold(nil, map[string]any{"id": "someone-else"}))
	assert.True(t, conditionsHold(conds, nil), "string resources carry no attributes")
}

func TestConditionsAreConjunctive(t *testing.T) {
	t.Parallel()

	conds := []Condition{
		{Attribute: "id", Value: "d1"},
		{Attribute: "ownerId", Value: "u1"},
	}
	assert.True(t, conditionsHold(conds, map[string]any{"id": "d1", "ownerId": "u1"}))
	assert.False(t, conditionsHold(conds, map[string]any{"id": "d1", "ownerId": "u2"}))
	assert.False(t, conditionsHold(conds, map[string]any{"id": "d1"}), "missing attribute fails the check")
}

func TestResolveAttributeMaps(t *testing.T) {
	t.Parallel()

	v, ok := resolveAttribute(map[string]any{"id": "d1"}, "id")
	assert.True(t, ok)
	assert.Equal(t, "d1", v)

	v, ok = resolveAttribute(map[string]string{"ownerId": "u1"}, "ownerId")
	assert.True(t, ok)
	assert.Equal(t, "u1", v)

	_, ok = resolveAttribute(map[string]any{}, "id")
	assert.False(t, ok)
}

func TestResolveAttributeGetter(t *testing.T) {
	t.Parallel()

	s := attrSubject{"x-region": "eu"}
	v, ok := resolveAttribute(s, "region")
	assert.True(t, ok)
	assert.Equal(t, "eu", v)
}

func TestResolveAttributeStruct(t *testing.T) {
	t.Parallel()

	doc := docSubject{ID: "d1", OwnerID: "u1", Size: 42, hidden: "nope", Skipped: "nope"}

	v, ok := resolveAttribute(doc, "ownerId")
	assert.True(t, ok)
	assert.Equal(t, "u1", v)

	// Pointer subjects resolve too.
	v, ok = resolveAttribute(&doc, "id")
	assert.True(t, ok)
	assert.Equal(t, "d1", v)

	// Field-name match is case-insensitive.
	v, ok = resolveAttribute(doc, "size")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = resolveAttribute(doc, "hidden")
	assert.False(t, ok)

	_, ok = resolveAttribute((*docSubject)(nil), "id")
	assert.False(t, ok)

	_, ok = resolveAttribute("just a string", "id")
	assert.False(t, ok)
}

func TestValuesEqualNumericWidening(t *testing.T) {
	t.Parallel()

	assert.True(t, valuesEqual(42, float64(42)))
	assert.True(t, valuesEqual(int64(7), 7))
	assert.True(t, valuesEqual(uint8(3), 3.0))
	assert.False(t, valuesEqual(42, 43))
	assert.False(t, valuesEqual(42, "42"))
	assert.True(t, valuesEqual("a", "a"))
	assert.False(t, valuesEqual("a", "b"))
	assert.True(t, valuesEqual([]string{"a"}, []string{"a"}))
}
