// Package fare quotes an upfront fare from per-service rates supplied as data.
package fare

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/eta"
)

var ErrUnknownService = errors.New("unknown service")

// Rate prices one service in major currency units.
type Rate struct {
	ServiceID string          `json:"serviceId"`
	Base      decimal.Decimal `json:"base"`
	PerKm     decimal.Decimal `json:"perKm"`
	PerMinute decimal.Decimal `json:"perMinute"`
	Minimum   decimal.Decimal `json:"minimum"`
}

type tableFile struct {
	Currency string `json:"currency"`
	Services []Rate `json:"services"`
}

type Table struct {
	currency string
	exponent int32
	rates    map[string]Rate
}

type Quote struct {
	// Amount is in the currency's minor units.
	Amount   int64
	Currency string
}

var zeroDecimalCurrencies = map[string]struct{}{
	"JPY": {}, "KRW": {}, "VND": {}, "CLP": {}, "PYG": {}, "UGX": {},
}

func NewTable(currency string, rates ...Rate) (*Table, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("invalid currency %q", currency)
	}
	t := &Table{currency: currency, exponent: 2, rates: make(map[string]Rate, len(rates))}
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		t.exponent = 0
	}
	for _, r := range rates {
		if r.ServiceID == "" {
			return nil, errors.New("rate without serviceId")
		}
		if r.Base.IsNegative() || r.PerKm.IsNegative() || r.PerMinute.IsNegative() || r.Minimum.IsNegative() {
			return nil, fmt.Errorf("service %s: negative rate", r.ServiceID)
		}
		t.rates[r.ServiceID] = r
	}
	return t, nil
}

// Parse reads a JSON rate table. fallbackCurrency applies when the file names none.
func Parse(r io.Reader, fallbackCurrency string) (*Table, error) {
	var f tableFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fare table: %w", err)
	}
	if f.Currency == "" {
		f.Currency = fallbackCurrency
	}
	return NewTable(f.Currency, f.Services...)
}

func Load(path, fallbackCurrency string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, fallbackCurrency)
}

// Default is a single flat-priced service used when no table is configured.
func Default(currency string) (*Table, error) {
	return NewTable(currency, Rate{
		ServiceID: "standard",
		Base:      decimal.RequireFromString("2.50"),
		PerKm:     decimal.RequireFromString("1.10"),
		PerMinute: decimal.RequireFromString("0.20"),
		Minimum:   decimal.RequireFromString("5.00"),
	})
}

func (t *Table) Currency() string { return t.currency }

func (t *Table) Has(serviceID string) bool {
	_, ok := t.rates[serviceID]
	return ok
}

// Quote prices a route: base + distance + time, floored at the minimum.
func (t *Table) Quote(serviceID string, route eta.Route) (Quote, error) {
	r, ok := t.rates[serviceID]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	km := decimal.NewFromFloat(route.DistanceMeters).Div(decimal.NewFromInt(1000))
	minutes := decimal.NewFromFloat(route.DurationSeconds).Div(decimal.NewFromInt(60))
	amount := r.Base.Add(r.PerKm.Mul(km)).Add(r.PerMinute.Mul(minutes))
	if amount.LessThan(r.Minimum) {
		amount = r.Minimum
	}
	return Quote{Amount: amount.Shift(t.exponent).Round(0).IntPart(), Currency: t.currency}, nil
}
