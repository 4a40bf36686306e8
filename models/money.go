package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits lists the currencies whose minor unit is not a hundredth.
var minorUnits = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "isk": 0, "jpy": 0, "kmf": 0, "krw": 0,
	"mga": 0, "pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// CurrencyExponent returns the number of decimals of the currency's minor
// unit, 2 unless listed otherwise.
func CurrencyExponent(currency string) int32 {
	if exp, ok := minorUnits[strings.ToLower(currency)]; ok {
		return exp
	}
	return 2
}

// FormatAmount renders an amount in minor units as "12.34 EUR", or "1234 JPY"
// for zero-decimal currencies.
func FormatAmount(minor int64, currency string) string {
	exp := CurrencyExponent(currency)
	s := decimal.New(minor, -exp).StringFixed(exp)
	if currency == "" {
		return s
	}
	return s + " " + strings.ToUpper(currency)
}
