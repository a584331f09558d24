/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package syncmap is a typed wrapper over the standard library sync.Map.
package syncmap

import "sync"

// Map is a concurrent map; the zero value is empty and ready to use.
type Map[Key comparable, Value any] struct {
	m sync.Map
}

func (m *Map[Key, Value]) Store(key Key, value Value) {
	m.m.Store(key, value)
}

// Returns the value stored in the map (if found), and a boolean indicating whether the value was found.
func (m *Map[Key, Value]) Load(key Key) (Value, bool) {
	anyValue, found := m.m.Load(key)
	if !found {
		var zero Value
		return zero, false
	}
	return valueOf[Value](anyValue), true
}

// Loads and deletes the value for the passed key.
// If the key has no corresponding value, the map is unchanged and the returned boolean is false.
func (m *Map[Key, Value]) LoadAndDelete(key Key) (Value, bool) {
	anyValue, found := m.m.LoadAndDelete(key)
	if !found {
		var zero Value
		return zero, false
	}
	return valueOf[Value](anyValue), true
}

func (m *Map[Key, Value]) Delete(key Key) {
	m.m.Delete(key)
}

// Calls passed function foreach key-value pair in the map.
// If the function returns false, the iteration stops.
func (m *Map[Key, Value]) Range(f func(key Key, value Value) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(Key), valueOf[Value](value))
	})
}

// Point-in-time count of entries; concurrent writers may change it immediately.
func (m *Map[Key, Value]) Len() int {
	count := 0
	m.m.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Removes all entries.
func (m *Map[Key, Value]) Clear() {
	m.m.Clear()
}

func valueOf[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
