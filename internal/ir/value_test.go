package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestObjectLookup(t *testing.T) {
	obj := Object{
		"name":  String("import"),
		"steps": Int(3),
		"error": Object{"code": String("E42"), "detail": Null{}},
		"gone":  Null{},
	}

	tests := []struct {
		path  string
		want  Value
		found bool
	}{
		{"name", String("import"), true},
		{"steps", Int(3), true},
		{"error.code", String("E42"), true},
		{"error.detail", nil, false},
		{"gone", nil, false},
		{"missing", nil, false},
		{"name.inner", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := obj.Lookup(tt.path)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSortedKeysUsesUTF16Order(t *testing.T) {
	// U+1F600 encodes to surrogates 0xD83D..., which sort before U+FF21 in
	// UTF-16 but after it in UTF-8.
	obj := Object{"\uFF21": Int(1), "\U0001F600": Int(2), "a": Int(3)}
	assert.Equal(t, []string{"a", "\U0001F600", "\uFF21"}, obj.SortedKeys())
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"a":1,"b":"x","c":null,"d":[true],"e":{"f":2}}`))
	require.NoError(t, err)
	assert.Equal(t, Object{
		"a": Int(1),
		"b": String("x"),
		"c": Null{},
		"d": Array{Bool(true)},
		"e": Object{"f": Int(2)},
	}, obj)
}

func TestDecodeRejectsFloats(t *testing.T) {
	_, err := DecodeObject([]byte(`{"a":1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := DecodeObject([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestFromAnyAcceptsWholeFloats(t *testing.T) {
	v, err := FromAny(map[string]any{"n": float64(3), "s": []any{"x", nil}})
	require.NoError(t, err)
	assert.Equal(t, Object{"n": Int(3), "s": Array{String("x"), Null{}}}, v)
}

func TestToAnyRoundTrip(t *testing.T) {
	in := map[string]any{"a": int64(1), "b": "x", "c": nil, "d": []any{true}}
	v, err := FromAny(in)
	require.NoError(t, err)
	assert.Equal(t, in, ToAny(v))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(Null{}))
	assert.Equal(t, "abc", Format(String("abc")))
	assert.Equal(t, "-7", Format(Int(-7)))
	assert.Equal(t, "true", Format(Bool(true)))
	assert.Equal(t, `{"a":1}`, Format(Object{"a": Int(1)}))
}

func TestObjectJSONRoundTrip(t *testing.T) {
	ev := Event{StreamID: "s-1", Sequence: 1, Type: "Started", Payload: Object{"n": Int(1)}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.Payload, back.Payload)
	assert.Equal(t, "s-1", StreamIdentity(back))
	assert.Equal(t, "Started", EventType(back))
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(Null{}))
	assert.False(t, IsNull(String("")))
	assert.Equal(t, "null", KindNull.String())
	assert.Equal(t, "object", Object{}.Kind().String())
}

func TestObject_UnmarshalYAML(t *testing.T) {
	var ev NewEvent
	err := yaml.Unmarshal([]byte("type: ImportStarted\npayload:\n  ActivityType: foo\n  PlannedSteps: 3\n  Nested:\n    ok: true\n  Missing: null\n"), &ev)
	require.NoError(t, err)

	assert.Equal(t, "ImportStarted", ev.Type)
	assert.Equal(t, Object{
		"ActivityType": String("foo"),
		"PlannedSteps": Int(3),
		"Nested":       Object{"ok": Bool(true)},
		"Missing":      Null{},
	}, ev.Payload)
}

func TestObject_UnmarshalYAMLRejectsFloats(t *testing.T) {
	var ev NewEvent
	err := yaml.Unmarshal([]byte("type: X\npayload:\n  ratio: 0.5\n"), &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}
