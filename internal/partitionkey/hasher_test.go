package partitionkey

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

func TestHashV2(t *testing.T) {
	tests := []struct {
		name     string
		values   []Value
		expected string
	}{
		{"string", []Value{String("redmond")}, "22E342F38A486A088463DFF7838A5963"},
		{"integer", []Value{Number(5)}, "19C08621B135968252FB34B4CF66F811"},
		{"negative", []Value{Number(-1)}, "19938E7A936C1C5B9E3AE842BBC16839"},
		{"fraction", []Value{Number(1.5)}, "35C5DDEB6C795D16A9963C73C54E97BC"},
		{"null", []Value{Null()}, "378867E4430E67857ACE5C908374FE16"},
		{"true", []Value{Bool(true)}, "0E711127C5B5A8E4726AC6DD306A3E59"},
		{"false", []Value{Bool(false)}, "2FE1BE91E90A3439635E0E9E37361EF2"},
		{"empty string", []Value{String("")}, "32E9366E637A71B4E710384B2F4970A0"},
		{"latin-1", []Value{String("héllo")}, "029ACA93BF00D120BC875CAD8F9A5F01"},
		{"cjk", []Value{String("日本")}, "2F64A78CFF1F1D412A8B6220090E9767"},
		{"two components", []Value{String("redmond"), String("98052")}, "0319E1B672F6AC3BB34908C1BF5E7CE8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			epk, err := Hash(tt.values, KindHash, V2)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, epk)
			assert.True(t, epk[0] <= '3', "high bits must be cleared")
		})
	}
}

func TestHashV1(t *testing.T) {
	tests := []struct {
		name     string
		values   []Value
		expected string
	}{
		{"string", []Value{String("redmond")}, "05C1EFE313830C087366656E706F6500"},
		{"integer", []Value{Number(5)}, "05C1D9C1C5517C05C014"},
		{"negative", []Value{Number(-1)}, "05C1D1A5BDDF9C054010"},
		{"null", []Value{Null()}, "05C1ED45D7475601"},
		{"true", []Value{Bool(true)}, "05C1D7C5A903D803"},
		{"false", []Value{Bool(false)}, "05C1DB857D857C02"},
		{"empty string", []Value{String("")}, "05C1CF33970FF80800"},
		{"mixed case string", []Value{String("partitionKey")}, "05C1E1B3D9CD2608716273756A756A706F4C667A00"},
		{"string and number", []Value{String("redmond"), Number(5)}, "05C1E3CD6F352A087366656E706F650005C014"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			epk, err := Hash(tt.values, KindHash, V1)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, epk)
		})
	}
}

func TestHashV1TruncatesLongStrings(t *testing.T) {
	long, err := Hash([]Value{String(strings.Repeat("a", 150))}, KindHash, V1)
	require.NoError(t, err)

	exact, err := Hash([]Value{String(strings.Repeat("a", 100))}, KindHash, V1)
	require.NoError(t, err)

	assert.Equal(t, exact, long)
	assert.Equal(t, "05C1EB5921F70608"+strings.Repeat("62", 100)+"00", long)

	kilo, err := Hash([]Value{String(strings.Repeat("a", 1024))}, KindHash, V1)
	require.NoError(t, err)
	assert.Equal(t, long, kilo)
}

func TestHashV1CutsMultiByteStrings(t *testing.T) {
	// 100 code units but 200 UTF-8 bytes: 101 bytes are kept with no terminator
	epk, err := Hash([]Value{String(strings.Repeat("é", 100))}, KindHash, V1)
	require.NoError(t, err)
	assert.Equal(t, "05C1D9C91DF1D808"+strings.Repeat("C4AA", 50)+"C4", epk)
}

func TestHashMultiHash(t *testing.T) {
	full, err := Hash([]Value{String("redmond"), String("98052"), Number(1)}, KindMultiHash, V2)
	require.NoError(t, err)
	assert.Equal(t,
		"22E342F38A486A088463DFF7838A5963"+"36C8BBEC5EEB4676558994E4D8DF79A7"+"20CD98B339BA78A5D0CF6953B87070B0",
		full)

	prefix, err := Hash([]Value{String("redmond"), String("98052")}, KindMultiHash, V2)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, prefix))

	t.Run("rejects more than three components", func(t *testing.T) {
		_, err := Hash([]Value{Number(1), Number(2), Number(3), Number(4)}, KindMultiHash, V2)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	})

	t.Run("rejects version 1", func(t *testing.T) {
		_, err := Hash([]Value{Number(1)}, KindMultiHash, V1)
		require.Error(t, err)
	})
}

func TestHashIsDeterministic(t *testing.T) {
	values := []Value{String("tenant-42"), Number(3.25), Null(), Bool(true)}
	for _, version := range []Version{V1, V2} {
		first, err := Hash(values, KindHash, version)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := Hash(values, KindHash, version)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestHashRejectsNonFiniteNumbers(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		for _, version := range []Version{V1, V2} {
			_, err := Hash([]Value{Number(f)}, KindHash, version)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeDataConversion, errors.GetCode(err))
		}
	}
}

func TestHashEmptyKey(t *testing.T) {
	epk, err := Hash(nil, KindHash, V2)
	require.NoError(t, err)
	assert.Equal(t, model.MinimumInclusiveEffectivePartitionKey, epk)
}

func TestBinaryNumberEncoding(t *testing.T) {
	tests := []struct {
		value    float64
		expected []byte
	}{
		{5, []byte{0x05, 0xC0, 0x14}},
		{0, []byte{0x05, 0x80, 0x00}},
		{-1, []byte{0x05, 0x40, 0x10}},
		{-2.5, []byte{0x05, 0x3F, 0xFC}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, appendBinaryNumber(nil, tt.value), "value %v", tt.value)
	}
}

func TestDefinitionEffectiveRange(t *testing.T) {
	hierarchical := Definition{Paths: []string{"/city", "/zip", "/id"}, Kind: KindMultiHash, Version: V2}

	t.Run("full key is a point", func(t *testing.T) {
		rng, err := hierarchical.EffectiveRange(NewKey(String("redmond"), String("98052"), Number(1)))
		require.NoError(t, err)
		assert.True(t, rng.IsPoint())
	})

	t.Run("prefix covers its subtree", func(t *testing.T) {
		rng, err := hierarchical.EffectiveRange(NewKey(String("redmond")))
		require.NoError(t, err)
		assert.Equal(t, "22E342F38A486A088463DFF7838A5963", rng.Min)
		assert.Equal(t, "22E342F38A486A088463DFF7838A5963FF", rng.Max)
		assert.True(t, rng.IsMinInclusive)
		assert.False(t, rng.IsMaxInclusive)

		full, err := hierarchical.EffectivePartitionKey(NewKey(String("redmond"), String("98052"), Number(1)))
		require.NoError(t, err)
		assert.True(t, rng.Contains(full))
	})

	t.Run("too many components", func(t *testing.T) {
		_, err := hierarchical.EffectiveRange(NewKey(Number(1), Number(2), Number(3), Number(4)))
		require.Error(t, err)
	})

	t.Run("empty key covers the ring", func(t *testing.T) {
		rng, err := hierarchical.EffectiveRange(nil)
		require.NoError(t, err)
		assert.Equal(t, model.FullRange(), rng)
	})

	t.Run("hash defaults to version 1", func(t *testing.T) {
		def := Definition{Paths: []string{"/pk"}}
		epk, err := def.EffectivePartitionKey(NewKey(String("redmond")))
		require.NoError(t, err)
		assert.Equal(t, "05C1EFE313830C087366656E706F6500", epk)
	})
}

func TestValidateEPK(t *testing.T) {
	assert.NoError(t, ValidateEPK(""))
	assert.NoError(t, ValidateEPK("FF"))
	assert.NoError(t, ValidateEPK("22E342F38A486A088463DFF7838A5963"))
	assert.Error(t, ValidateEPK("22e3"))
	assert.Error(t, ValidateEPK("ABC"))
	assert.Error(t, ValidateEPK("ZZ"))
}

func TestUndefinedComponentHasItsOwnMarker(t *testing.T) {
	assert.Equal(t, []byte{markerUndefined}, appendHashInput(nil, Undefined(), "", stringTerminatorV2))
	assert.Equal(t, []byte{markerUndefined}, appendBinary(nil, Undefined()))

	for _, version := range []Version{V1, V2} {
		undefined, err := Hash([]Value{Undefined()}, KindHash, version)
		require.NoError(t, err)
		null, err := Hash([]Value{Null()}, KindHash, version)
		require.NoError(t, err)
		assert.NotEqual(t, null, undefined)
		assert.NotEqual(t, model.MinimumInclusiveEffectivePartitionKey, undefined)
	}
}
