package config

import "time"

type Config struct {
	PublicBaseURL     string        `validate:"required,url"`
	Aggregator        string        `validate:"required"`
	AggregatorTimeout time.Duration `validate:"gt=0"`
	Currency          string        `validate:"len=3"`
	CurrencySymbol    string
	Providers         []string // допустимые каналы, пусто - любые
	FallbackNumber    string   `validate:"required"`
	FallbackWhatsApp  string   `validate:"required,numeric"`
}
