package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString_RoundTrip(t *testing.T) {
	for _, s := range []string{
		"0", "1", "-1", "100.5", "-0.001", "123456789.123456789",
		"0.0000000000000000000000000001",
	} {
		m, err := FromString(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
}

func TestFromString_Invalid(t *testing.T) {
	_, err := FromString("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidDecimal)
}

func TestArithmetic(t *testing.T) {
	a := MustFromString("10.5")
	b := MustFromString("2")

	assert.Equal(t, "12.5", a.Add(b).String())
	assert.Equal(t, "8.5", a.Sub(b).String())
	assert.Equal(t, "21", a.Mul(b).String())

	q, err := a.Div(b)
	require.NoError(t, err)
	assert.Equal(t, "5.25", q.String())

	assert.Equal(t, "-10.5", a.Neg().String())
	assert.Equal(t, "10.5", a.Neg().Abs().String())
}

func TestDiv_ByZero(t *testing.T) {
	_, err := MustFromString("1").Div(Zero())
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestComparison(t *testing.T) {
	a := MustFromString("1.00")
	b := MustFromString("1")

	// Equality is exact on value, not representation.
	assert.True(t, a.Equal(b))
	assert.Equal(t, 0, a.Cmp(b))
	assert.True(t, MustFromString("2").GreaterThan(a))
	assert.True(t, a.LessThan(MustFromString("2")))
	assert.Equal(t, -1, MustFromString("-3").Sign())
	assert.True(t, Zero().IsZero())
}

func TestMinMax(t *testing.T) {
	a, b := MustFromString("3"), MustFromString("7")
	assert.Equal(t, a, Min(a, b))
	assert.Equal(t, b, Max(a, b))
}

func TestIsMultipleOf(t *testing.T) {
	tick := MustFromString("0.05")
	assert.True(t, MustFromString("100.15").IsMultipleOf(tick))
	assert.False(t, MustFromString("100.13").IsMultipleOf(tick))
	assert.False(t, MustFromString("100").IsMultipleOf(Zero()))
}

func TestJSON(t *testing.T) {
	m := MustFromString("42.125")
	data, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"42.125"`, string(data))

	var back Money
	require.NoError(t, back.UnmarshalJSON(data))
	assert.True(t, m.Equal(back))

	require.NoError(t, back.UnmarshalJSON([]byte("99.5")))
	assert.Equal(t, "99.5", back.String())
}
