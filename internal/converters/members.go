/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	godap "github.com/google/go-dap"
)

// Members is the flattened member list of one runtime object.
type Members struct {
	vars []godap.Variable
}

func NewMembers(vars []godap.Variable) Members {
	return Members{vars: vars}
}

func (m Members) All() []godap.Variable {
	return m.vars
}

func (m Members) Len() int {
	return len(m.vars)
}

// Get finds a member by name. An exact match is preferred over a case-insensitive one.
func (m Members) Get(name string) (godap.Variable, bool) {
	for _, v := range m.vars {
		if v.Name == name {
			return v, true
		}
	}
	for _, v := range m.vars {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return godap.Variable{}, false
}

// First returns the first member present among names (field names vary across runtime versions).
func (m Members) First(names ...string) (godap.Variable, bool) {
	for _, name := range names {
		if v, found := m.Get(name); found {
			return v, true
		}
	}
	return godap.Variable{}, false
}

// Require is like First but reports a layout error naming the expected field.
func (m Members) Require(names ...string) (godap.Variable, error) {
	if v, found := m.First(names...); found {
		return v, nil
	}
	return godap.Variable{}, fmt.Errorf("%w: missing field '%s'", ErrUnexpectedLayout, names[0])
}

// Int parses the named integer member.
func (m Members) Int(names ...string) (int64, error) {
	v, err := m.Require(names...)
	if err != nil {
		return 0, err
	}
	n, parseErr := parseInteger(v.Value)
	if parseErr != nil {
		return 0, fmt.Errorf("%w: field '%s' has non-integer value '%s'", ErrUnexpectedLayout, v.Name, v.Value)
	}
	return n, nil
}

// IntOr parses the named integer member, or returns def when it is absent.
func (m Members) IntOr(def int64, names ...string) (int64, error) {
	if _, found := m.First(names...); !found {
		return def, nil
	}
	return m.Int(names...)
}

// Uint parses the named unsigned integer member.
func (m Members) Uint(names ...string) (uint64, error) {
	v, err := m.Require(names...)
	if err != nil {
		return 0, err
	}
	n, parseErr := parseUnsigned(v.Value)
	if parseErr != nil {
		return 0, fmt.Errorf("%w: field '%s' has non-integer value '%s'", ErrUnexpectedLayout, v.Name, v.Value)
	}
	return n, nil
}

var indexName = regexp.MustCompile(`^\[(\d+)\]$`)

// Indexed returns the array elements ("[0]", "[1]", ...) ordered by index.
func (m Members) Indexed() []godap.Variable {
	type element struct {
		index int
		v     godap.Variable
	}
	var elements []element
	for _, v := range m.vars {
		match := indexName.FindStringSubmatch(strings.TrimSpace(v.Name))
		if match == nil {
			continue
		}
		index, _ := strconv.Atoi(match[1])
		elements = append(elements, element{index, v})
	}
	sort.SliceStable(elements, func(i, j int) bool { return elements[i].index < elements[j].index })

	retval := make([]godap.Variable, len(elements))
	for i, e := range elements {
		retval[i] = e.v
	}
	return retval
}

// parseInteger parses an integer as rendered by a debugger: decimal or hex, possibly
// followed by a type suffix or a character rendering ("65 'A'").
func parseInteger(value string) (int64, error) {
	s := normalizeNumber(value)
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n, nil
	}
	// Hex renderings of negative numbers exceed the signed range.
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

func parseUnsigned(value string) (uint64, error) {
	s := normalizeNumber(value)
	if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		return u, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func normalizeNumber(value string) string {
	s := strings.TrimSpace(value)
	s = strings.Trim(s, `"{}`)
	if space := strings.IndexByte(s, ' '); space > 0 {
		s = s[:space]
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "0x") && !strings.HasPrefix(lower, "-0x") {
		s = strings.TrimRight(s, "uUlL")
	}
	return s
}

// countEntry is the leading child of every converted collection.
func countEntry(n int) godap.Variable {
	return godap.Variable{
		Name:  "Count",
		Value: strconv.Itoa(n),
		Type:  "int",
		PresentationHint: &godap.VariablePresentationHint{
			Kind:       "property",
			Attributes: []string{"readOnly"},
		},
	}
}

// element renames v to its position in the simplified collection.
func element(index int, v godap.Variable) godap.Variable {
	v.Name = fmt.Sprintf("[%d]", index)
	v.EvaluateName = ""
	return v
}

// resultEntry is the single child that replaces the fields of an opaque value type.
func resultEntry(typeName, exact, human string) []godap.Variable {
	value := exact
	if human != "" {
		value = fmt.Sprintf("%s (%s)", exact, human)
	}
	return []godap.Variable{{
		Name:  "Result",
		Value: value,
		Type:  typeName,
		PresentationHint: &godap.VariablePresentationHint{
			Kind:       "data",
			Attributes: []string{"readOnly"},
		},
	}}
}
