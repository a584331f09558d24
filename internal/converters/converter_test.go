/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/pkg/testutil"
)

const testTimeout = 10 * time.Second

// fakeDebuggee answers variables requests from a fixed reference tree.
type fakeDebuggee struct {
	children map[int][]godap.Variable

	lock      sync.Mutex
	requested []int
}

func newFakeDebuggee() *fakeDebuggee {
	return &fakeDebuggee{children: map[int][]godap.Variable{}}
}

func (f *fakeDebuggee) RunInternalRequest(_ context.Context, req *dap.Request) (*dap.Response, error) {
	if req.Command != dap.CommandVariables {
		return nil, fmt.Errorf("unexpected command '%s'", req.Command)
	}
	var args godap.VariablesArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, err
	}

	f.lock.Lock()
	f.requested = append(f.requested, args.VariablesReference)
	f.lock.Unlock()

	children, found := f.children[args.VariablesReference]
	if !found {
		return dap.NewErrorResponse(req, "invalid variables reference"), nil
	}
	return dap.NewResponse(req, godap.VariablesResponseBody{Variables: children})
}

func (f *fakeDebuggee) set(ref int, children ...godap.Variable) {
	f.children[ref] = children
}

func (f *fakeDebuggee) requestedRefs() []int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int(nil), f.requested...)
}

// failingRequester fails the test if any request reaches the debugger.
type failingRequester struct {
	t *testing.T
}

func (r failingRequester) RunInternalRequest(_ context.Context, req *dap.Request) (*dap.Response, error) {
	r.t.Errorf("request '%s' must not be sent to the debugger", req.Command)
	return nil, errors.New("unexpected request")
}

func scalar(name, value, typeName string) godap.Variable {
	return godap.Variable{Name: name, Value: value, Type: typeName}
}

func object(name, typeName string, ref int) godap.Variable {
	return godap.Variable{Name: name, Value: "{" + typeName + "}", Type: typeName, VariablesReference: ref}
}

func newTestEnv(t *testing.T, requester Requester) *Env {
	return NewEnv(requester, NewHandles(0), DefaultRegistry(), testutil.NewLogForTesting(t.Name()))
}

func convert(t *testing.T, env *Env, c Converter, raw []godap.Variable) ([]godap.Variable, error) {
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	members, err := env.flatten(ctx, raw)
	if err != nil {
		return nil, err
	}
	return c.TryConvert(ctx, env, members)
}

func names(vars []godap.Variable) []string {
	retval := make([]string, len(vars))
	for i, v := range vars {
		retval[i] = v.Name
	}
	return retval
}

func values(vars []godap.Variable) []string {
	retval := make([]string, len(vars))
	for i, v := range vars {
		retval[i] = v.Value
	}
	return retval
}

func TestRegistryFirstMatchWins(t *testing.T) {
	t.Parallel()

	first := &namedConverter{name: "first", accept: "System.Collections.Generic.List<int>"}
	second := &namedConverter{name: "second", accept: "System.Collections.Generic.List<int>"}
	registry := NewRegistry(first, second)

	found := registry.Find(&godap.Variable{Type: "System.Collections.Generic.List<int>"})
	require.NotNil(t, found)
	assert.Equal(t, "first", found.Name())
	assert.Nil(t, registry.Find(&godap.Variable{Type: "System.String"}))
	assert.Nil(t, registry.Find(nil))
}

func TestDefaultRegistryTypeMatching(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()
	cases := []struct {
		typeName string
		expected string
	}{
		{"System.Collections.Generic.List<int>", "List"},
		{"List<string>", "List"},
		{"System.Collections.Generic.List`1[[System.Int32]]", "List"},
		{"System.Collections.Generic.SortedList<int, string>", "SortedList"},
		{"System.Collections.Generic.Dictionary<string, int>", "Dictionary"},
		{"System.Collections.Generic.HashSet<int>", "HashSet"},
		{"System.Collections.Generic.Queue<int>", "Queue"},
		{"System.Collections.Generic.Stack<int>", "Stack"},
		{"System.Collections.Generic.LinkedList<int>", "LinkedList"},
		{"System.Collections.ObjectModel.ReadOnlyCollection<int>", "ReadOnlyCollection"},
		{"System.Collections.ObjectModel.ReadOnlyDictionary<int, int>", "ReadOnlyDictionary"},
		{"System.Tuple<int, string>", "Tuple"},
		{"System.ValueTuple<int, int>", "Tuple"},
		{"(int, string)", "Tuple"},
		{"System.DateTime", "DateTime"},
		{"{System.DateTime}", "DateTime"},
		{"System.DateTimeOffset", "DateTimeOffset"},
		{"System.DateOnly", "DateOnly/TimeOnly"},
		{"System.TimeOnly", "DateOnly/TimeOnly"},
		{"System.TimeSpan", "TimeSpan"},
		{"System.Guid", "Guid"},
		{"{System.Guid}", "Guid"},
		{"System.Version", "Version"},
	}
	for _, tc := range cases {
		t.Run(tc.typeName, func(t *testing.T) {
			t.Parallel()
			found := registry.Find(&godap.Variable{Type: tc.typeName})
			require.NotNil(t, found)
			assert.Equal(t, tc.expected, found.Name())
		})
	}

	for _, typeName := range []string{"System.String", "int", "System.Collections.Generic.IList<int>", "MyApp.List<int>"} {
		assert.Nil(t, registry.Find(&godap.Variable{Type: typeName}), typeName)
	}
}

func TestDefaultRegistryOrder(t *testing.T) {
	t.Parallel()

	expected := []string{
		"List", "Dictionary", "HashSet", "Queue", "Stack", "LinkedList", "SortedList",
		"ReadOnlyCollection", "ReadOnlyDictionary", "Tuple",
		"DateTime", "DateTimeOffset", "DateOnly/TimeOnly", "TimeSpan", "Guid", "Version",
	}
	var actual []string
	for _, c := range DefaultRegistry().Converters() {
		actual = append(actual, c.Name())
	}
	assert.Equal(t, expected, actual)
}

func TestConvertFallsBackToRawOnLayoutMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDebuggee())
	raw := []godap.Variable{scalar("Count", "3", "int"), scalar("Capacity", "4", "int")}

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	result := env.Convert(ctx, &listConverter{}, 7, raw)
	assert.Equal(t, raw, result)
}

func TestConvertContainsPanics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDebuggee())
	raw := []godap.Variable{scalar("x", "1", "int")}

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	result := env.Convert(ctx, &namedConverter{name: "panicky", panics: true}, 7, raw)
	assert.Equal(t, raw, result)
}

func TestConvertFallsBackWhenChildFetchFails(t *testing.T) {
	t.Parallel()

	// _items points at a reference the debugger does not know.
	env := newTestEnv(t, newFakeDebuggee())
	raw := []godap.Variable{object("_items", "int[]", 99), scalar("_size", "2", "int")}

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	result := env.Convert(ctx, &listConverter{}, 7, raw)
	assert.Equal(t, raw, result)
}

func TestSyntheticReferencesAreNeverForwarded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, failingRequester{t: t})
	child := scalar("Key", "\"a\"", "string")
	ref := env.Handles().Create([]godap.Variable{child})

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	children, err := env.Children(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []godap.Variable{child}, children)

	_, staleErr := env.Children(ctx, ref+100)
	require.Error(t, staleErr)

	none, noneErr := env.Children(ctx, 0)
	require.NoError(t, noneErr)
	assert.Empty(t, none)
}

func TestMembersFlattenGroupingNodes(t *testing.T) {
	t.Parallel()

	debuggee := newFakeDebuggee()
	debuggee.set(5, scalar("_size", "1", "int"), object("Static members", "", 6))
	debuggee.set(6, scalar("s_empty", "null", "int[]"))
	env := newTestEnv(t, debuggee)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	members, err := env.flatten(ctx, []godap.Variable{
		scalar("Count", "1", "int"),
		object("Non-Public members", "", 5),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Count", "_size", "s_empty"}, names(members.All()))
}

func TestMembersSkipGroupThatCannotBeExpanded(t *testing.T) {
	t.Parallel()

	debuggee := newFakeDebuggee()
	debuggee.set(6, scalar("s_empty", "null", "int[]"))
	env := newTestEnv(t, debuggee)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	members, err := env.flatten(ctx, []godap.Variable{
		object("Non-Public members", "", 5),
		object("Static members", "", 6),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s_empty"}, names(members.All()))
	assert.Equal(t, []int{5, 6}, debuggee.requestedRefs())
}

// closedRequester behaves like a proxy whose debugger stream has ended.
type closedRequester struct {
	requests atomic.Int32
}

func (r *closedRequester) RunInternalRequest(context.Context, *dap.Request) (*dap.Response, error) {
	r.requests.Add(1)
	return nil, dap.ErrProxyClosed
}

func TestMembersStopAfterProxyCloses(t *testing.T) {
	t.Parallel()

	requester := &closedRequester{}
	env := newTestEnv(t, requester)
	raw := []godap.Variable{
		object("Non-Public members", "", 5),
		object("Static members", "", 6),
		object("Raw View", "", 7),
	}

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	_, err := env.flatten(ctx, raw)
	assert.ErrorIs(t, err, dap.ErrProxyClosed)
	assert.Equal(t, int32(1), requester.requests.Load(), "no request may follow the first proxy failure")

	result := env.Convert(ctx, &listConverter{}, 9, raw)
	assert.Equal(t, raw, result)
}

func TestMembersStopWhenCancelled(t *testing.T) {
	t.Parallel()

	debuggee := newFakeDebuggee()
	env := newTestEnv(t, debuggee)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	cancel()
	_, err := env.flatten(ctx, []godap.Variable{
		object("Non-Public members", "", 5),
		object("Static members", "", 6),
	})
	require.Error(t, err)
	assert.Equal(t, []int{5}, debuggee.requestedRefs())
}

func TestMembersLookup(t *testing.T) {
	t.Parallel()

	members := NewMembers([]godap.Variable{
		scalar("_size", "3", "int"),
		scalar("Size", "4", "int"),
		scalar("hashCode", "0x0000002a", "int"),
		scalar("ch", "65 'A'", "char"),
		scalar("big", "18446744073709551615", "ulong"),
		scalar("neg", "-5", "int"),
		scalar("text", "\"abc\"", "string"),
		scalar("[1]", "b", "string"),
		scalar("[10]", "k", "string"),
		scalar("[0]", "a", "string"),
	})

	size, err := members.Int("_size")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	v, found := members.Get("size")
	require.True(t, found)
	assert.Equal(t, "4", v.Value, "case-insensitive match is used only without an exact one")

	hash, hashErr := members.Int("HashCode")
	require.NoError(t, hashErr)
	assert.Equal(t, int64(42), hash)

	ch, chErr := members.Int("ch")
	require.NoError(t, chErr)
	assert.Equal(t, int64(65), ch)

	big, bigErr := members.Uint("big")
	require.NoError(t, bigErr)
	assert.Equal(t, uint64(18446744073709551615), big)

	neg, negErr := members.Uint("neg")
	require.NoError(t, negErr)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFB), neg)

	def, defErr := members.IntOr(-1, "_missing")
	require.NoError(t, defErr)
	assert.Equal(t, int64(-1), def)

	_, missingErr := members.Int("_missing", "missing")
	require.ErrorIs(t, missingErr, ErrUnexpectedLayout)
	assert.Contains(t, missingErr.Error(), "_missing")

	_, textErr := members.Int("text")
	require.ErrorIs(t, textErr, ErrUnexpectedLayout)

	assert.Equal(t, []string{"a", "b", "k"}, values(members.Indexed()))
}

func TestHandles(t *testing.T) {
	t.Parallel()

	h := NewHandles(0)
	assert.Equal(t, DefaultInternalReferenceBase, h.Base())
	assert.False(t, h.IsSynthetic(DefaultInternalReferenceBase-1))

	first := h.Create([]godap.Variable{scalar("a", "1", "int")})
	second := h.Create(nil)
	assert.Equal(t, DefaultInternalReferenceBase, first)
	assert.Equal(t, DefaultInternalReferenceBase+1, second)
	assert.True(t, h.IsSynthetic(first))
	assert.Equal(t, 2, h.Len())

	children, found := h.Get(first)
	require.True(t, found)
	assert.Equal(t, []string{"a"}, names(children))

	h.Reset()
	assert.Equal(t, 0, h.Len())
	_, found = h.Get(first)
	assert.False(t, found)
	assert.Equal(t, DefaultInternalReferenceBase+2, h.Create(nil), "numbering continues after reset")

	custom := NewHandles(500)
	assert.Equal(t, 500, custom.Create(nil))
}

func TestHandlesConcurrentCreate(t *testing.T) {
	t.Parallel()

	h := NewHandles(0)
	const count = 200
	refs := make(chan int, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs <- h.Create(nil)
		}()
	}
	wg.Wait()
	close(refs)

	seen := map[int]bool{}
	for ref := range refs {
		assert.False(t, seen[ref], "reference %d handed out twice", ref)
		seen[ref] = true
	}
	assert.Len(t, seen, count)
}

func TestDispatcherTracksAndExpands(t *testing.T) {
	t.Parallel()

	debuggee := newFakeDebuggee()
	debuggee.set(11, scalar("[0]", "7", "int"), scalar("[1]", "8", "int"), scalar("[2]", "0", "int"))
	log := testutil.NewLogForTesting(t.Name())
	d := NewDispatcher(DefaultRegistry(), NewHandles(0), log)

	tracked := d.Track([]godap.Variable{
		object("numbers", "System.Collections.Generic.List<int>", 10),
		object("name", "string", 0),
		object("other", "MyApp.Widget", 12),
	})
	assert.Equal(t, 1, tracked)

	c, found := d.ConverterFor(10)
	require.True(t, found)
	assert.Equal(t, "List", c.Name())
	_, found = d.ConverterFor(12)
	assert.False(t, found)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	raw := []godap.Variable{object("_items", "int[]", 11), scalar("_size", "2", "int")}
	expanded, converted := d.Expand(ctx, debuggee, 10, raw)
	require.True(t, converted)
	assert.Equal(t, []string{"Count", "[0]", "[1]"}, names(expanded))
	assert.Equal(t, []string{"2", "7", "8"}, values(expanded))

	untouched, converted := d.Expand(ctx, debuggee, 12, raw)
	assert.False(t, converted)
	assert.Equal(t, raw, untouched)

	d.Reset()
	_, found = d.ConverterFor(10)
	assert.False(t, found)
}

func TestDispatcherSyntheticChildrenAreTracked(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DefaultRegistry(), NewHandles(0), testutil.NewLogForTesting(t.Name()))
	ref := d.Handles().Create([]godap.Variable{
		object("Key", "System.Guid", 30),
		scalar("Value", "1", "int"),
	})
	assert.True(t, d.IsSynthetic(ref))
	assert.False(t, d.TrackReference(ref, "System.Guid"), "synthetic references are never tracked")

	children, found := d.Synthetic(ref)
	require.True(t, found)
	assert.Len(t, children, 2)

	c, tracked := d.ConverterFor(30)
	require.True(t, tracked)
	assert.Equal(t, "Guid", c.Name())

	_, found = d.Synthetic(ref + 1)
	assert.False(t, found)
}

type namedConverter struct {
	name   string
	accept string
	panics bool
}

func (c *namedConverter) Name() string { return c.name }

func (c *namedConverter) CanConvert(v *godap.Variable) bool {
	return c.panics || v.Type == c.accept
}

func (c *namedConverter) TryConvert(_ context.Context, _ *Env, _ Members) ([]godap.Variable, error) {
	if c.panics {
		panic("converter bug")
	}
	return []godap.Variable{scalar("converted", c.name, "")}, nil
}
