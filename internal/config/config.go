package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	aggregatorConfig "github.com/iurnickita/ticketpay/internal/aggregator/config"
	handlerConfig "github.com/iurnickita/ticketpay/internal/handler/config"
	idempotencyConfig "github.com/iurnickita/ticketpay/internal/idempotency/config"
	loggerConfig "github.com/iurnickita/ticketpay/internal/logger/config"
	notifyConfig "github.com/iurnickita/ticketpay/internal/notify/config"
	serviceConfig "github.com/iurnickita/ticketpay/internal/service/config"
	storeConfig "github.com/iurnickita/ticketpay/internal/store/config"
	sweeperConfig "github.com/iurnickita/ticketpay/internal/sweeper/config"
	tokenConfig "github.com/iurnickita/ticketpay/internal/token/config"
)

type Config struct {
	Handler     handlerConfig.Config
	Service     serviceConfig.Config
	Store       storeConfig.Config
	Logger      loggerConfig.Config
	Aggregator  aggregatorConfig.Config
	Idempotency idempotencyConfig.Config
	Notify      notifyConfig.Config
	Sweeper     sweeperConfig.Config
	Callback    tokenConfig.Config
}

const envPrefix = "ticketpay"

var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.max_body_bytes":   1 << 20,
	"server.shutdown_timeout": "10s",
	"log.level":               "info",

	"db.dsn":              "",
	"db.connect_timeout":  "30s",
	"db.migrate_on_start": true,

	"aggregator.default":  "lipila",
	"aggregator.timeout":  "15s",
	"lipila.base_url":     "https://api.lipila.com",
	"lipila.api_key":      "",
	"moneyunify.base_url": "https://api.moneyunify.one",
	"moneyunify.auth_id":  "",

	"public_base_url":   "http://localhost:8080",
	"currency":          "ZMW",
	"currency_symbol":   "K",
	"providers":         "mtn,airtel,zamtel",
	"fallback.number":   "0973 299 759",
	"fallback.whatsapp": "260973299759",

	"callback.secret": "",
	"callback.ttl":    "72h",

	"redis.addr":      "",
	"redis.password":  "",
	"redis.db":        0,
	"idempotency.ttl": "24h",

	"amqp.url":   "",
	"amqp.queue": "ticketpay.order_paid",

	"sweep.interval":    "1m",
	"sweep.min_age":     "2m",
	"sweep.stale_after": "30m",
	"sweep.batch_size":  50,
	"sweep.rate":        2,
}

// GetConfig reads TICKETPAY_* environment variables on top of an optional
// config file. An empty configFile looks for ./config.yaml.
func GetConfig(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// файл необязателен
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	cfg.Handler.ServerAddr = v.GetString("server.addr")
	cfg.Handler.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	cfg.Handler.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Logger.LogLevel = v.GetString("log.level")

	cfg.Store.DBDsn = v.GetString("db.dsn")
	cfg.Store.ConnectTimeout = v.GetDuration("db.connect_timeout")
	cfg.Store.MigrateOnStart = v.GetBool("db.migrate_on_start")

	cfg.Aggregator.Default = v.GetString("aggregator.default")
	cfg.Aggregator.Timeout = v.GetDuration("aggregator.timeout")
	cfg.Aggregator.Lipila.BaseURL = v.GetString("lipila.base_url")
	cfg.Aggregator.Lipila.APIKey = v.GetString("lipila.api_key")
	cfg.Aggregator.MoneyUnify.BaseURL = v.GetString("moneyunify.base_url")
	cfg.Aggregator.MoneyUnify.AuthID = v.GetString("moneyunify.auth_id")

	cfg.Service.PublicBaseURL = v.GetString("public_base_url")
	cfg.Service.Aggregator = cfg.Aggregator.Default
	cfg.Service.AggregatorTimeout = cfg.Aggregator.Timeout
	cfg.Service.Currency = strings.ToUpper(v.GetString("currency"))
	cfg.Service.CurrencySymbol = v.GetString("currency_symbol")
	cfg.Service.Providers = splitList(v.GetString("providers"))
	cfg.Service.FallbackNumber = v.GetString("fallback.number")
	cfg.Service.FallbackWhatsApp = v.GetString("fallback.whatsapp")

	cfg.Callback.Secret = v.GetString("callback.secret")
	cfg.Callback.TTL = v.GetDuration("callback.ttl")

	cfg.Idempotency.RedisAddr = v.GetString("redis.addr")
	cfg.Idempotency.RedisPassword = v.GetString("redis.password")
	cfg.Idempotency.RedisDB = v.GetInt("redis.db")
	cfg.Idempotency.TTL = v.GetDuration("idempotency.ttl")

	cfg.Notify.AMQPURL = v.GetString("amqp.url")
	cfg.Notify.Queue = v.GetString("amqp.queue")

	cfg.Sweeper.Interval = v.GetDuration("sweep.interval")
	cfg.Sweeper.MinAge = v.GetDuration("sweep.min_age")
	cfg.Sweeper.StaleAfter = v.GetDuration("sweep.stale_after")
	cfg.Sweeper.BatchSize = v.GetInt("sweep.batch_size")
	cfg.Sweeper.Rate = v.GetFloat64("sweep.rate")

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// splitList разбирает список через запятую
func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}
