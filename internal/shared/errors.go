package shared

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// ErrNotFound indicates a referenced resource is absent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates an operation not allowed in the
	// entity's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StockShortage itemizes one product short of the requested quantity.
type StockShortage struct {
	ProductID int64   `json:"product_id"`
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
}

// InsufficientStockError rejects a whole batch when any line cannot be
// covered. It carries the per-product detail so callers can surface an
// itemized report instead of a generic failure.
type InsufficientStockError struct {
	Shortages []StockShortage
}

var shortagePrinter = message.NewPrinter(language.English)

func (e *InsufficientStockError) Error() string {
	var b strings.Builder
	b.WriteString("insufficient stock:")
	for i, s := range e.Shortages {
		if i > 0 {
			b.WriteString(";")
		}
		shortagePrinter.Fprintf(&b, " product %d requested %v available %v",
			s.ProductID, s.Requested, s.Available)
	}
	return b.String()
}

// AsInsufficientStock unwraps err into an InsufficientStockError if possible.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var target *InsufficientStockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
