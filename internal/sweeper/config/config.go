package config

import "time"

type Config struct {
	Interval   time.Duration `validate:"gt=0"`
	MinAge     time.Duration `validate:"gte=0"` // моложе не трогаем, ждём webhook
	StaleAfter time.Duration `validate:"gt=0"`
	BatchSize  int           `validate:"gt=0"`
	Rate       float64       `validate:"gt=0"` // запросов к агрегатору в секунду
}
