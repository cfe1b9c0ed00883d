package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var vnPrinter = message.NewPrinter(language.Vietnamese)

// ParseAmount converts an upstream amount string ("600000", "600000.00",
// "600.000đ") into a decimal. Strings that are not plain decimals are reduced
// to their digits, the same way the storefront renders prices.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	if d, err := decimal.NewFromString(raw); err == nil {
		return d, nil
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return decimal.NewFromString(digits)
}

// FormatVND renders an amount the way vi-VN currency formatting does,
// e.g. 600000 -> "600.000 ₫".
func FormatVND(amount decimal.Decimal) string {
	return vnPrinter.Sprintf("%d ₫", amount.Round(0).IntPart())
}
