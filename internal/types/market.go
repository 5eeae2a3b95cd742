package types

import "time"

// Bar is one historical candle of market data.
type Bar struct {
	Time   time.Time `csv:"time"`
	Open   float64   `csv:"open"`
	High   float64   `csv:"high"`
	Low    float64   `csv:"low"`
	Close  float64   `csv:"close"`
	Volume float64   `csv:"volume"`
}

// Ticker is a spot price observation for one symbol.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}
