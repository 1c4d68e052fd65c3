package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is an asset quantity such as "0.950 SBD".
type Amount struct {
	Value  decimal.Decimal
	Symbol string
}

func ParseAmount(s string) (Amount, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Amount{}, fmt.Errorf("malformed amount: %q", s)
	}
	v, err := decimal.NewFromString(fields[0])
	if err != nil {
		return Amount{}, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	return Amount{Value: v, Symbol: fields[1]}, nil
}

func (a Amount) String() string {
	return a.Value.StringFixed(3) + " " + a.Symbol
}
