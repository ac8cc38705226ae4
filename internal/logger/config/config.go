package config

type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`
}
