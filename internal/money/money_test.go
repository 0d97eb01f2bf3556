package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole", "2450", 245000},
		{"two decimals", "2450.00", 245000},
		{"one decimal", "2450.5", 245050},
		{"smallest unit", "0.01", 1},
		{"leading zeros", "007.50", 750},
		{"surrounding space", " 12.34 ", 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Minor())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   error
	}{
		{"empty", "", ErrInvalidFormat},
		{"negative", "-1.00", ErrNegative},
		{"three decimals", "1.005", ErrPrecision},
		{"two dots", "1.0.0", ErrInvalidFormat},
		{"trailing dot", "1.", ErrInvalidFormat},
		{"leading dot", ".5", ErrInvalidFormat},
		{"exponent", "1e3", ErrInvalidFormat},
		{"plus sign", "+1", ErrInvalidFormat},
		{"overflow", "999999999999999999999", ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "2450.00", FromMinor(245000).String())
	assert.Equal(t, "0.07", FromMinor(7).String())
	assert.Equal(t, "0.00", Amount(0).String())
	assert.Equal(t, "-1.50", FromMinor(-150).String())
}

func TestAmount_JSON(t *testing.T) {
	var body struct {
		Amount Amount `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"19.90"}`), &body))
	assert.Equal(t, int64(1990), body.Amount.Minor())

	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"19.90"}`, string(out))

	err = json.Unmarshal([]byte(`{"amount":19.9}`), &body)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("abc") })
	assert.Equal(t, int64(100), MustParse("1").Minor())
}

func TestSupportsCurrency(t *testing.T) {
	tests := []struct {
		code     string
		decimals int
	}{
		{"usd", 2},
		{"EUR", 2},
		{"jpy", 0},
		{" KRW ", 0},
		{"kwd", 3},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.decimals, CurrencyDecimals(tt.code))
			assert.Equal(t, tt.decimals == Decimals, SupportsCurrency(tt.code))
		})
	}
}
