package ledger

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/venom-governor/internal/models"
)

// ErrUnknownDirection is returned for directions other than BUY and SELL
var ErrUnknownDirection = errors.New("unknown signal direction")

var (
	pipJPY      = decimal.RequireFromString("0.01")
	pipStandard = decimal.RequireFromString("0.0001")
)

// PipSize returns 0.01 for JPY-quoted pairs and 0.0001 for everything else
func PipSize(symbol string) float64 {
	return pipSizeDecimal(symbol).InexactFloat64()
}

func pipSizeDecimal(symbol string) decimal.Decimal {
	if models.IsJPYPair(symbol) {
		return pipJPY
	}
	return pipStandard
}

// RiskReward computes reward/risk for the given levels. Zero risk yields 0.
func RiskReward(direction string, entry, stop, target float64) (float64, error) {
	e := decimal.NewFromFloat(entry)
	s := decimal.NewFromFloat(stop)
	t := decimal.NewFromFloat(target)

	var risk, reward decimal.Decimal
	switch normalizeDirection(direction) {
	case models.DirectionBuy:
		risk = e.Sub(s)
		reward = t.Sub(e)
	case models.DirectionSell:
		risk = s.Sub(e)
		reward = e.Sub(t)
	default:
		return 0, ErrUnknownDirection
	}

	if risk.IsZero() {
		return 0, nil
	}
	return reward.Div(risk).InexactFloat64(), nil
}

// Pips returns the signed pip distance from entry to exit in the trade's favour,
// rounded to one decimal place.
func Pips(symbol, direction string, entry, exit float64) (float64, error) {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	switch normalizeDirection(direction) {
	case models.DirectionBuy:
	case models.DirectionSell:
		diff = diff.Neg()
	default:
		return 0, ErrUnknownDirection
	}
	return diff.Div(pipSizeDecimal(symbol)).Round(1).InexactFloat64(), nil
}

func normalizeDirection(direction string) string {
	return strings.ToUpper(strings.TrimSpace(direction))
}
