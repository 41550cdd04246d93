package common

import (
	"errors"
	"regexp"
	"time"

	"gungnir/internal/money"
)

var (
	ErrBadSymbol     = errors.New("symbol must be uppercase alphanumeric plus _-")
	ErrBadPriceBand  = errors.New("minPrice must be below maxPrice")
	ErrBadTickSize   = errors.New("tickSize must be positive")
	ErrBadLotSize    = errors.New("lotSize must be positive")
	ErrBadMarginRate = errors.New("marginRate must be within [0,1]")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)

// Instrument describes a tradeable contract. Immutable after creation except
// Active and SettlementPrice.
type Instrument struct {
	Symbol          string      // unique primary key
	MinPrice        money.Money //
	MaxPrice        money.Money //
	TickSize        money.Money // price granularity
	LotSize         money.Money // quantity granularity
	MarginRate      money.Money // in [0,1]
	ExpirationDate  *time.Time  // optional
	Active          bool        //
	SettlementPrice money.Money // set once at expiration
}

// Validate checks the creation invariants.
func (i *Instrument) Validate() error {
	if !symbolPattern.MatchString(i.Symbol) {
		return ErrBadSymbol
	}
	if i.MinPrice.Cmp(i.MaxPrice) >= 0 {
		return ErrBadPriceBand
	}
	if !i.TickSize.IsPositive() {
		return ErrBadTickSize
	}
	if !i.LotSize.IsPositive() {
		return ErrBadLotSize
	}
	one := money.FromInt(1)
	if i.MarginRate.IsNegative() || i.MarginRate.GreaterThan(one) {
		return ErrBadMarginRate
	}
	return nil
}

// Expired reports whether the instrument's expiration instant has passed.
func (i *Instrument) Expired(now time.Time) bool {
	return i.ExpirationDate != nil && !now.Before(*i.ExpirationDate)
}

// PriceInBand reports whether p lies within [MinPrice, MaxPrice].
func (i *Instrument) PriceInBand(p money.Money) bool {
	return p.Cmp(i.MinPrice) >= 0 && p.Cmp(i.MaxPrice) <= 0
}
