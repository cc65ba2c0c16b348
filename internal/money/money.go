// Package money formats amounts for user-facing output. Stored amounts are
// plain numeric values; the Kenyan-Shilling presentation lives here only.
package money

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatKES renders an amount with the KSh symbol, thousands separators and
// two decimal places, e.g. "KSh 3,000.00".
func FormatKES(amount float64) string {
	return printer.Sprintf("KSh %.2f", amount)
}
