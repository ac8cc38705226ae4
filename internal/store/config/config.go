package config

import "time"

type Config struct {
	DBDsn          string // пусто - хранение в памяти
	ConnectTimeout time.Duration
	MigrateOnStart bool
}
