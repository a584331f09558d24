/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"
	"fmt"

	godap "github.com/google/go-dap"
	"golang.org/x/sync/errgroup"
)

const (
	collectionsNamespace = "System.Collections.Generic"

	// Upper bound on concurrent slot fetches issued by a single conversion.
	maxConcurrentFetches = 8
)

// listConverter shows the first _size slots of a List<T> backing array.
// The array is over-allocated; slots past _size are never shown.
type listConverter struct{}

var listType = genericType(collectionsNamespace, "List")

func (*listConverter) Name() string { return "List" }

func (*listConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, listType)
}

func (*listConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	size, err := members.Int("_size")
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrUnexpectedLayout, size)
	}
	if size == 0 {
		return []godap.Variable{countEntry(0)}, nil
	}

	slots, slotsErr := storageSlots(ctx, env, members, "_items")
	if slotsErr != nil {
		return nil, slotsErr
	}
	if int64(len(slots)) < size {
		return nil, fmt.Errorf("%w: size %d exceeds storage length %d", ErrUnexpectedLayout, size, len(slots))
	}

	retval := make([]godap.Variable, 0, size+1)
	retval = append(retval, countEntry(int(size)))
	for i := 0; i < int(size); i++ {
		retval = append(retval, element(i, slots[i]))
	}
	return retval, nil
}

// dictionaryConverter shows the live entries of a Dictionary<K,V> hash table.
// Slots up to _count have been used; a slot whose hash code is zero has been freed.
type dictionaryConverter struct{}

var dictionaryType = genericType(collectionsNamespace, "Dictionary")

func (*dictionaryConverter) Name() string { return "Dictionary" }

func (*dictionaryConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, dictionaryType)
}

func (*dictionaryConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	live, err := liveHashSlots(ctx, env, members)
	if err != nil {
		return nil, err
	}

	retval := make([]godap.Variable, 0, len(live)+1)
	retval = append(retval, countEntry(len(live)))
	for i, slot := range live {
		key, keyErr := slot.Require("key")
		if keyErr != nil {
			return nil, keyErr
		}
		value, valueErr := slot.Require("value")
		if valueErr != nil {
			return nil, valueErr
		}
		retval = append(retval, keyValueEntry(env, i, key, value))
	}
	return retval, nil
}

// hashSetConverter shows the live values of a HashSet<T>.
type hashSetConverter struct{}

var hashSetType = genericType(collectionsNamespace, "HashSet")

func (*hashSetConverter) Name() string { return "HashSet" }

func (*hashSetConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, hashSetType)
}

func (*hashSetConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	live, err := liveHashSlots(ctx, env, members)
	if err != nil {
		return nil, err
	}

	retval := make([]godap.Variable, 0, len(live)+1)
	retval = append(retval, countEntry(len(live)))
	for i, slot := range live {
		value, valueErr := slot.Require("Value")
		if valueErr != nil {
			return nil, valueErr
		}
		retval = append(retval, element(i, value))
	}
	return retval, nil
}

// queueConverter walks a Queue<T> circular buffer from _head, wrapping at the buffer capacity.
type queueConverter struct{}

var queueType = genericType(collectionsNamespace, "Queue")

func (*queueConverter) Name() string { return "Queue" }

func (*queueConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, queueType)
}

func (*queueConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	size, err := members.Int("_size")
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []godap.Variable{countEntry(0)}, nil
	}
	head, headErr := members.Int("_head")
	if headErr != nil {
		return nil, headErr
	}

	slots, slotsErr := storageSlots(ctx, env, members, "_array")
	if slotsErr != nil {
		return nil, slotsErr
	}
	capacity := int64(len(slots))
	if size < 0 || size > capacity || head < 0 || head >= capacity {
		return nil, fmt.Errorf("%w: head %d and size %d do not fit capacity %d", ErrUnexpectedLayout, head, size, capacity)
	}

	retval := make([]godap.Variable, 0, size+1)
	retval = append(retval, countEntry(int(size)))
	for i := int64(0); i < size; i++ {
		v := element(int(i), slots[(head+i)%capacity])
		if i == 0 {
			v.Name += " (head)"
		}
		retval = append(retval, v)
	}
	return retval, nil
}

// stackConverter shows a Stack<T> top first.
type stackConverter struct{}

var stackType = genericType(collectionsNamespace, "Stack")

func (*stackConverter) Name() string { return "Stack" }

func (*stackConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, stackType)
}

func (*stackConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	size, err := members.Int("_size")
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []godap.Variable{countEntry(0)}, nil
	}

	slots, slotsErr := storageSlots(ctx, env, members, "_array")
	if slotsErr != nil {
		return nil, slotsErr
	}
	if size < 0 || size > int64(len(slots)) {
		return nil, fmt.Errorf("%w: size %d exceeds storage length %d", ErrUnexpectedLayout, size, len(slots))
	}

	retval := make([]godap.Variable, 0, size+1)
	retval = append(retval, countEntry(int(size)))
	for i := 0; i < int(size); i++ {
		v := element(i, slots[int(size)-1-i])
		if i == 0 {
			v.Name += " (top)"
		}
		retval = append(retval, v)
	}
	return retval, nil
}

// linkedListConverter follows node links from head for count nodes.
// The list is circular, so the walk is bounded by count, not by reaching a null link.
type linkedListConverter struct{}

var linkedListType = genericType(collectionsNamespace, "LinkedList")

func (*linkedListConverter) Name() string { return "LinkedList" }

func (*linkedListConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, linkedListType)
}

func (*linkedListConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	count, err := members.Int("count", "_count")
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return []godap.Variable{countEntry(0)}, nil
	}

	node, headErr := members.Require("head", "_head")
	if headErr != nil {
		return nil, headErr
	}

	retval := make([]godap.Variable, 0, count+1)
	retval = append(retval, countEntry(int(count)))
	for i := 0; i < int(count); i++ {
		nodeMembers, nodeErr := env.MembersOf(ctx, node)
		if nodeErr != nil {
			return nil, nodeErr
		}
		item, itemErr := nodeMembers.Require("item", "_item")
		if itemErr != nil {
			return nil, itemErr
		}
		retval = append(retval, element(i, item))

		if i < int(count)-1 {
			next, nextErr := nodeMembers.Require("next", "_next")
			if nextErr != nil {
				return nil, nextErr
			}
			node = next
		}
	}
	return retval, nil
}

// sortedListConverter pairs the parallel keys and values arrays of a SortedList<K,V>.
type sortedListConverter struct{}

var sortedListType = genericType(collectionsNamespace, "SortedList")

func (*sortedListConverter) Name() string { return "SortedList" }

func (*sortedListConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, sortedListType)
}

func (*sortedListConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	size, err := members.Int("_size")
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []godap.Variable{countEntry(0)}, nil
	}

	keys, keysErr := storageSlots(ctx, env, members, "keys", "_keys")
	if keysErr != nil {
		return nil, keysErr
	}
	values, valuesErr := storageSlots(ctx, env, members, "values", "_values")
	if valuesErr != nil {
		return nil, valuesErr
	}
	if size < 0 || size > int64(len(keys)) || size > int64(len(values)) {
		return nil, fmt.Errorf("%w: size %d exceeds storage length", ErrUnexpectedLayout, size)
	}

	retval := make([]godap.Variable, 0, size+1)
	retval = append(retval, countEntry(int(size)))
	for i := 0; i < int(size); i++ {
		retval = append(retval, keyValueEntry(env, i, keys[i], values[i]))
	}
	return retval, nil
}

// storageSlots returns the index-ordered elements of the array held in the named field.
func storageSlots(ctx context.Context, env *Env, members Members, field ...string) ([]godap.Variable, error) {
	array, err := members.Require(field...)
	if err != nil {
		return nil, err
	}
	arrayMembers, arrayErr := env.MembersOf(ctx, array)
	if arrayErr != nil {
		return nil, arrayErr
	}
	return arrayMembers.Indexed(), nil
}

// liveHashSlots returns the members of every used, non-freed entry of a hash-bucketed
// collection, in storage order. Entries are fetched concurrently.
func liveHashSlots(ctx context.Context, env *Env, members Members) ([]Members, error) {
	used, err := members.Int("_count", "count")
	if err != nil {
		return nil, err
	}
	if used <= 0 {
		return nil, nil
	}

	slots, slotsErr := storageSlots(ctx, env, members, "_entries", "entries")
	if slotsErr != nil {
		return nil, slotsErr
	}
	if int64(len(slots)) < used {
		return nil, fmt.Errorf("%w: count %d exceeds storage length %d", ErrUnexpectedLayout, used, len(slots))
	}
	slots = slots[:used]

	fetched := make([]Members, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i := range slots {
		g.Go(func() error {
			slotMembers, fetchErr := env.MembersOf(gctx, slots[i])
			if fetchErr != nil {
				return fetchErr
			}
			fetched[i] = slotMembers
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return nil, waitErr
	}

	var live []Members
	for _, slot := range fetched {
		hashCode, hashErr := slot.Int("hashCode")
		if hashErr != nil {
			return nil, hashErr
		}
		if hashCode != 0 {
			live = append(live, slot)
		}
	}
	return live, nil
}

// keyValueEntry renders a key/value pair as a synthetic node whose children are the key and the value.
func keyValueEntry(env *Env, index int, key, value godap.Variable) godap.Variable {
	key.Name = "Key"
	key.EvaluateName = ""
	value.Name = "Value"
	value.EvaluateName = ""

	return godap.Variable{
		Name:               fmt.Sprintf("[%d]", index),
		Value:              fmt.Sprintf("{Key=%s, Value=%s}", key.Value, value.Value),
		Type:               fmt.Sprintf("KeyValuePair<%s, %s>", key.Type, value.Type),
		VariablesReference: env.Handles().Create([]godap.Variable{key, value}),
		NamedVariables:     2,
	}
}
