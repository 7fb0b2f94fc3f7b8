package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSide      = errors.New("unknown side")
	ErrUnknownOrderType = errors.New("unknown order type")
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

// Opposite returns the side an order of this side is matched against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrUnknownSide
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts the usual spellings of a side, case insensitively.
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "bid", "b":
		return Buy, nil
	case "sell", "ask", "s":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSide, value)
}

type OrderType uint8

const (
	// Limit orders are an order to buy or sell at a specified price or
	// better. The unfilled remainder rests on the book.
	LimitOrder OrderType = iota
	// Market orders are instructions to buy or sell immediately at the
	// best available prices. They never rest on the book, any remainder
	// left once the opposing side is exhausted is cancelled.
	MarketOrder
)

func (t OrderType) Valid() bool {
	return t == LimitOrder || t == MarketOrder
}

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "limit"
	case MarketOrder:
		return "market"
	}
	return fmt.Sprintf("order_type(%d)", uint8(t))
}

func (t OrderType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownOrderType
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(text []byte) error {
	orderType, err := ParseOrderType(string(text))
	if err != nil {
		return err
	}
	*t = orderType
	return nil
}

func ParseOrderType(value string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "limit", "lmt":
		return LimitOrder, nil
	case "market", "mkt":
		return MarketOrder, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOrderType, value)
}
