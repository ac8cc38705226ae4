package config

import "time"

type Config struct {
	Default    string        `validate:"required,oneof=lipila moneyunify"`
	Timeout    time.Duration `validate:"gt=0"`
	Lipila     LipilaConfig
	MoneyUnify MoneyUnifyConfig
}

type LipilaConfig struct {
	BaseURL string `validate:"omitempty,url"`
	APIKey  string
}

type MoneyUnifyConfig struct {
	BaseURL string `validate:"omitempty,url"`
	AuthID  string
}
