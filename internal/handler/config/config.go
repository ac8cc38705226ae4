package config

import "time"

type Config struct {
	ServerAddr      string `validate:"required"`
	MaxBodyBytes    int64  `validate:"gt=0"`
	ShutdownTimeout time.Duration
}
