package money

import "strings"

// Currencies whose minor unit is not a hundredth. Lists follow the card
// networks' ISO 4217 exponents.
var (
	zeroDecimal = map[string]bool{
		"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
		"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
		"vuv": true, "xaf": true, "xof": true, "xpf": true,
	}
	threeDecimal = map[string]bool{
		"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true,
	}
)

// CurrencyDecimals returns the number of fractional digits in one minor unit
// of the ISO currency code.
func CurrencyDecimals(code string) int {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case zeroDecimal[code]:
		return 0
	case threeDecimal[code]:
		return 3
	}
	return Decimals
}

// SupportsCurrency reports whether a gateway minor-unit value in code maps
// one-to-one onto an Amount.
func SupportsCurrency(code string) bool {
	return CurrencyDecimals(code) == Decimals
}
