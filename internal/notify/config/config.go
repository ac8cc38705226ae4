package config

type Config struct {
	AMQPURL string // пусто - только запись в лог
	Queue   string
}
