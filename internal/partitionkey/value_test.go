package partitionkey

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/partition-router/internal/errors"
)

func TestKeyJSON(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{"ascii string", NewKey(String("redmond")), `["redmond"]`},
		{"latin-1 escaped", NewKey(String("héllo")), `["h\u00e9llo"]`},
		{"cjk escaped", NewKey(String("日本")), `["\u65e5\u672c"]`},
		{"astral plane uses surrogates", NewKey(String("😀")), `["\ud83d\ude00"]`},
		{"quotes and controls", NewKey(String("a\"b\\c\n\x01")), `["a\"b\\c\n\u0001"]`},
		{"integer", NewKey(Number(5)), `[5]`},
		{"fraction", NewKey(Number(1.5)), `[1.5]`},
		{"large number", NewKey(Number(1e21)), `[1e+21]`},
		{"small number", NewKey(Number(1e-7)), `[1e-7]`},
		{"hierarchical", NewKey(String("redmond"), Null(), Bool(false)), `["redmond",null,false]`},
		{"undefined", NewKey(Undefined()), `[{}]`},
		{"empty", NewKey(), `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.key.JSON()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestKeyJSONRejectsNonFinite(t *testing.T) {
	_, err := NewKey(Number(math.Inf(1))).JSON()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataConversion, errors.GetCode(err))
}

func TestInvalidUTF8IsRejected(t *testing.T) {
	// JSON would render each as "\ufffd" while the hash sees the raw bytes
	for _, s := range []string{"\xff", "\xfe", "ok\xc3"} {
		_, err := NewKey(String(s)).JSON()
		assert.Equal(t, errors.ErrCodeDataConversion, errors.GetCode(err), "json %q", s)

		for _, version := range []Version{V1, V2} {
			_, err = Hash([]Value{String(s)}, KindHash, version)
			assert.Equal(t, errors.ErrCodeDataConversion, errors.GetCode(err), "hash %q v%d", s, version)
		}
	}
}

func TestKeyFromJSON(t *testing.T) {
	key, err := KeyFromJSON(`["héllo", 5, null, true, {}]`)
	require.NoError(t, err)
	require.Len(t, key, 5)

	out, err := key.JSON()
	require.NoError(t, err)
	assert.Equal(t, `["h\u00e9llo",5,null,true,{}]`, out)

	_, err = KeyFromJSON(`{"not":"an array"}`)
	assert.Error(t, err)

	_, err = KeyFromJSON(`[[1,2]]`)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataConversion, errors.GetCode(err))
}

func TestParseKeyMatchesConstructors(t *testing.T) {
	key, err := ParseKey([]interface{}{"redmond", float64(5), nil, false})
	require.NoError(t, err)

	expected, err := Hash(NewKey(String("redmond"), Number(5), Null(), Bool(false)), KindHash, V2)
	require.NoError(t, err)
	actual, err := Hash(key, KindHash, V2)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)
}
