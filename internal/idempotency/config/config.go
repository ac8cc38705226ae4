package config

import "time"

type Config struct {
	RedisAddr     string // пусто - ключи в памяти процесса
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}
