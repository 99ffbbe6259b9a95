package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate("Shop.Cart.AddsItem", []any{2, 3})
	require.NoError(t, err)

	b, err := Generate("Shop.Cart.AddsItem", []any{2, 3})
	require.NoError(t, err)

	assert.Equal(t, a.TestID, b.TestID)
	assert.Len(t, a.TestID, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", a.TestID)
}

func TestGenerate_ParameterChangeChangesID(t *testing.T) {
	a, err := Generate("A.B.M", []any{2, 3})
	require.NoError(t, err)

	b, err := Generate("A.B.M", []any{2, 4})
	require.NoError(t, err)

	assert.NotEqual(t, a.TestID, b.TestID)
}

func TestGenerate_KnownHash(t *testing.T) {
	id, err := Generate("A.B.M", nil)
	require.NoError(t, err)

	noParams, err := Generate("A.B.M", []any{})
	require.NoError(t, err)

	assert.Equal(t, "a173dcb5d30644f64be67c98436f7dc1128c4d9c5d8a8bc82872d1fae874f58e", id.TestID)
	assert.Equal(t, id.TestID, noParams.TestID)
	assert.Equal(t, "", id.Parameters)

	withParams, err := Generate("A.B.M", []any{2, 3})
	require.NoError(t, err)
	assert.Equal(t, "f532947fb597af6fa37c53b067f666bfb98b63cb2434f98725c1682cfd810269", withParams.TestID)
}

func TestGenerate_SourceLocationDoesNotAffectID(t *testing.T) {
	a, err := Generate("A.B.M", []any{"x"}, WithSourceLocation("cart_test.go", 10))
	require.NoError(t, err)

	b, err := Generate("A.B.M", []any{"x"}, WithSourceLocation("moved/cart_test.go", 99))
	require.NoError(t, err)

	assert.Equal(t, a.TestID, b.TestID)
	require.NotNil(t, a.Source)
	assert.Equal(t, "cart_test.go", a.Source.File)
	assert.Equal(t, 10, a.Source.Line)
}

func TestGenerate_SplitsName(t *testing.T) {
	tests := []struct {
		name      string
		fqn       string
		namespace string
		class     string
		method    string
	}{
		{name: "three segments", fqn: "Shop.Cart.AddsItem", namespace: "Shop", class: "Cart", method: "AddsItem"},
		{name: "deep namespace", fqn: "Acme.Shop.Tests.Cart.Adds", namespace: "Acme.Shop.Tests", class: "Cart", method: "Adds"},
		{name: "no namespace", fqn: "Cart.Adds", namespace: "", class: "Cart", method: "Adds"},
		{name: "surrounding whitespace", fqn: "  Cart.Adds ", namespace: "", class: "Cart", method: "Adds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Generate(tt.fqn, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.namespace, id.Namespace)
			assert.Equal(t, tt.class, id.ClassName)
			assert.Equal(t, tt.method, id.MethodName)
			assert.Equal(t, tt.method, id.DisplayName)
		})
	}
}

func TestGenerate_InvalidInput(t *testing.T) {
	for _, fqn := range []string{"", "NoSeparator", "A..M", ".M", "A."} {
		t.Run(fqn, func(t *testing.T) {
			_, err := Generate(fqn, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}

func TestGenerate_DisplayName(t *testing.T) {
	id, err := Generate("A.B.M", []any{1, true})
	require.NoError(t, err)
	assert.Equal(t, "M(1,true)", id.DisplayName)

	id, err = Generate("A.B.M", []any{1}, WithDisplayName("adds one item"))
	require.NoError(t, err)
	assert.Equal(t, "adds one item", id.DisplayName)
}

type color int

type point struct {
	X, Y int
}

func TestCanonicalParameters(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456700, time.FixedZone("CET", 3600))
	n := 7

	var nilPtr *int

	tests := []struct {
		name   string
		params []any
		want   string
	}{
		{name: "empty", params: nil, want: ""},
		{name: "nil", params: []any{nil}, want: "null"},
		{name: "nil pointer", params: []any{nilPtr}, want: "null"},
		{name: "pointer", params: []any{&n}, want: "7"},
		{name: "bools", params: []any{true, false}, want: "true,false"},
		{name: "ints", params: []any{-1, int8(2), uint16(3), int64(4)}, want: "-1,2,3,4"},
		{name: "floats", params: []any{1.5, float32(0.1), 1e21}, want: "1.5,0.1,1e+21"},
		{name: "named numeric", params: []any{color(3)}, want: "3"},
		{name: "time in utc with fixed precision", params: []any{ts}, want: "2024-03-01T11:30:45.1234567Z"},
		{name: "slice", params: []any{[]int{1, 2, 3}}, want: "[1,2,3]"},
		{name: "nested", params: []any{[]any{1, []string{"a"}, nil}}, want: "[1,[string:a],null]"},
		{name: "array", params: []any{[2]bool{true, false}}, want: "[true,false]"},
		{name: "string", params: []any{"abc"}, want: "string:abc"},
		{name: "struct", params: []any{point{1, 2}}, want: "identity.point:{1 2}"},
		{name: "nil slice", params: []any{[]int(nil)}, want: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalParameters(tt.params))
		})
	}
}
