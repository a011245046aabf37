package model

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	in := Map(map[string]Value{
		"model":       String("gpt-4o"),
		"temperature": Number(0.7),
		"stream":      Bool(false),
		"stop":        Null(),
		"messages": List(
			Map(map[string]Value{"role": String("user"), "content": String("hi")}),
		),
	})

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, KindMap, out.Kind())
	assert.Equal(t, "gpt-4o", out.Fields()["model"].Str())
	assert.InDelta(t, 0.7, out.Fields()["temperature"].Num(), 1e-9)
	assert.Equal(t, KindNull, out.Fields()["stop"].Kind())

	msgs := out.Fields()["messages"].Elems()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Fields()["role"].Str())
}

func TestFromAny(t *testing.T) {
	tests := []struct {
		name string
		in   any
		kind Kind
	}{
		{"nil", nil, KindNull},
		{"string", "x", KindString},
		{"int", 42, KindNumber},
		{"float", 3.14, KindNumber},
		{"bool", true, KindBool},
		{"slice", []any{1, "two"}, KindList},
		{"map", map[string]any{"k": "v"}, KindMap},
		{"fallback", struct{ X int }{1}, KindString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, FromAny(tt.in).Kind())
		})
	}
}

func TestToAnyInvertsFromAny(t *testing.T) {
	in := map[string]any{
		"n":    1.5,
		"s":    "str",
		"b":    true,
		"list": []any{"a", 2.0},
		"m":    map[string]any{"nested": nil},
	}
	got := Map(PayloadFromAny(in)).ToAny()
	assert.Equal(t, in, got)
}

func TestPreviewPayloadTruncates(t *testing.T) {
	p := Payload{"prompt": String("a very long prompt that exceeds the budget")}
	s := PreviewPayload(p, 16)
	require.Len(t, s, 16+3)
	assert.Equal(t, "...", s[16:])

	assert.Equal(t, "", PreviewPayload(nil, 16))
	full := PreviewPayload(Payload{"k": Int(1)}, 1024)
	assert.JSONEq(t, `{"k":1}`, full)
}

func TestPreviewPayloadKeepsUTF8Intact(t *testing.T) {
	p := Payload{"q": String("日本語のプロンプト")}
	whole := PreviewPayload(p, 0)

	// Whatever byte the cut lands on, the preview must stay valid UTF-8
	// and remain a prefix of the untruncated rendering.
	for maxBytes := 1; maxBytes < len(whole); maxBytes++ {
		s := PreviewPayload(p, maxBytes)
		require.True(t, utf8.ValidString(s), "maxBytes=%d produced invalid UTF-8: %q", maxBytes, s)
		trimmed := strings.TrimSuffix(s, "...")
		assert.True(t, strings.HasPrefix(whole, trimmed), "maxBytes=%d not a prefix: %q", maxBytes, trimmed)
		assert.LessOrEqual(t, len(trimmed), maxBytes)
	}
}

func TestZeroValueIsNull(t *testing.T) {
	var v Value
	assert.Equal(t, KindNull, v.Kind())
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}
