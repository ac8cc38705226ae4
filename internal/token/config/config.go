package config

import "time"

type Config struct {
	Secret string // пусто - callback без подписи
	TTL    time.Duration
}
