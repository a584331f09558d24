/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	godap "github.com/google/go-dap"
)

const objectModelNamespace = "System.Collections.ObjectModel"

// readOnlyCollectionConverter presents the list a ReadOnlyCollection<T> wraps.
type readOnlyCollectionConverter struct{}

var readOnlyCollectionType = genericType(objectModelNamespace, "ReadOnlyCollection")

func (*readOnlyCollectionConverter) Name() string { return "ReadOnlyCollection" }

func (*readOnlyCollectionConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, readOnlyCollectionType)
}

func (*readOnlyCollectionConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	backing, err := members.Require("list", "_list")
	if err != nil {
		return nil, err
	}
	return presentWrapped(ctx, env, backing)
}

// readOnlyDictionaryConverter presents the dictionary a ReadOnlyDictionary<K,V> wraps.
type readOnlyDictionaryConverter struct{}

var readOnlyDictionaryType = genericType(objectModelNamespace, "ReadOnlyDictionary")

func (*readOnlyDictionaryConverter) Name() string { return "ReadOnlyDictionary" }

func (*readOnlyDictionaryConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, readOnlyDictionaryType)
}

func (*readOnlyDictionaryConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	backing, err := members.Require("m_dictionary", "_dictionary")
	if err != nil {
		return nil, err
	}
	return presentWrapped(ctx, env, backing)
}

// presentWrapped shows the backing collection of a wrapper in place of the wrapper's own fields.
// A backing value no converter accepts (an array, usually) is shown as its indexed elements.
func presentWrapped(ctx context.Context, env *Env, backing godap.Variable) ([]godap.Variable, error) {
	if backing.VariablesReference <= 0 {
		return []godap.Variable{countEntry(0)}, nil
	}
	if env.registry.Find(&backing) != nil {
		return env.ExpandWithConverters(ctx, backing)
	}

	backingMembers, err := env.MembersOf(ctx, backing)
	if err != nil {
		return nil, err
	}
	elements := backingMembers.Indexed()
	if len(elements) == 0 {
		return backingMembers.All(), nil
	}

	retval := make([]godap.Variable, 0, len(elements)+1)
	retval = append(retval, countEntry(len(elements)))
	for i, e := range elements {
		retval = append(retval, element(i, e))
	}
	return retval, nil
}

// tupleConverter relabels Item1..ItemN as [0]..[N-1]. Tuples with more than seven
// elements keep the remainder in a nested Rest tuple, which is flattened.
type tupleConverter struct{}

var (
	tupleType      = genericType("System", "Tuple")
	valueTupleType = genericType("System", "ValueTuple")
	// C# tuple syntax, e.g. "(int, string)" or "(int Id, string Name)".
	tupleSyntaxType = typePattern{re: regexp.MustCompile(`^\(.+,.+\)$`)}

	tupleItemName = regexp.MustCompile(`^Item(\d+)$`)
)

// Deep Rest chains come only from tuples with hundreds of elements.
const maxTupleNesting = 32

func (*tupleConverter) Name() string { return "Tuple" }

func (*tupleConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, tupleType, valueTupleType, tupleSyntaxType)
}

func (*tupleConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	var retval []godap.Variable
	current := members
	for depth := 0; ; depth++ {
		items := tupleItems(current)
		if depth == 0 && len(items) == 0 {
			return nil, fmt.Errorf("%w: no Item fields", ErrUnexpectedLayout)
		}
		for _, item := range items {
			retval = append(retval, element(len(retval), item))
		}

		rest, found := current.Get("Rest")
		if !found || rest.VariablesReference <= 0 || depth >= maxTupleNesting {
			break
		}
		restMembers, err := env.MembersOf(ctx, rest)
		if err != nil {
			return nil, err
		}
		current = restMembers
	}
	return retval, nil
}

func tupleItems(members Members) []godap.Variable {
	type item struct {
		position int
		v        godap.Variable
	}
	var items []item
	for _, v := range members.All() {
		match := tupleItemName.FindStringSubmatch(v.Name)
		if match == nil {
			continue
		}
		position, _ := strconv.Atoi(match[1])
		items = append(items, item{position, v})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].position < items[j].position })

	retval := make([]godap.Variable, len(items))
	for i, it := range items {
		retval[i] = it.v
	}
	return retval
}
