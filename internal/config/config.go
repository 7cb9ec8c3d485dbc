// Package config собирает конфигурацию courier из флагов, переменных
// окружения и (опционально) файла через spf13/viper.
//
// Приоритет: флаг > переменная окружения > файл > значение по умолчанию.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shaiso/Courier/internal/mq"
)

// Ключи конфигурации.
const (
	KeyConfigFile  = "config"
	KeyURL         = "broker.url"
	KeyHost        = "broker.host"
	KeyPort        = "broker.port"
	KeyUser        = "broker.user"
	KeyPassword    = "broker.password"
	KeyVHost       = "broker.vhost"
	KeyDialTimeout = "broker.dial_timeout"
	KeyDialRetries = "broker.dial_retries"
	KeyRetryDelay  = "broker.retry_delay"
	KeyQueue       = "queue.name"
	KeyDurable     = "queue.durable"
	KeyPersistent  = "queue.persistent"
	KeyPrefetch    = "consume.prefetch"
	KeyManualAck   = "consume.manual_ack"
	KeyMetricsAddr = "metrics.addr"
	KeyLogLevel    = "log.level"
	KeyLogFormat   = "log.format"
)

// DefaultQueue — очередь по умолчанию.
const DefaultQueue = "hello"

// envBindings — переменные окружения для ключей.
var envBindings = map[string]string{
	KeyURL:         "RABBITMQ_URL",
	KeyHost:        "RABBITMQ_HOST",
	KeyPort:        "RABBITMQ_PORT",
	KeyUser:        "RABBITMQ_USER",
	KeyPassword:    "RABBITMQ_PASSWORD",
	KeyVHost:       "RABBITMQ_VHOST",
	KeyQueue:       "COURIER_QUEUE",
	KeyMetricsAddr: "METRICS_ADDR",
	KeyLogLevel:    "LOG_LEVEL",
	KeyLogFormat:   "LOG_FORMAT",
}

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config — итоговая конфигурация.
type Config struct {
	Broker  BrokerConfig
	Queue   QueueConfig
	Consume ConsumeConfig
	Log     LogConfig

	// MetricsAddr — адрес /metrics сервера (пусто — выключен).
	MetricsAddr string
}

// BrokerConfig — параметры подключения.
type BrokerConfig struct {
	// URL — полный AMQP URI; если задан, Host/Port/User/... игнорируются.
	URL         string
	Host        string
	Port        int
	User        string
	Password    string
	VHost       string
	DialTimeout time.Duration
	DialRetries uint64
	RetryDelay  time.Duration
}

// QueueConfig — очередь и параметры её объявления.
type QueueConfig struct {
	Name       string `validate:"required"`
	Durable    bool
	Persistent bool
}

// ConsumeConfig — параметры потребителя.
type ConsumeConfig struct {
	Prefetch  int `validate:"gte=0"`
	ManualAck bool
}

// LogConfig — параметры логирования.
type LogConfig struct {
	Level  string
	Format string `validate:"oneof=text json"`
}

// New создаёт viper с умолчаниями и привязкой переменных окружения.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyHost, mq.DefaultHost)
	v.SetDefault(KeyPort, 0)
	v.SetDefault(KeyVHost, mq.DefaultVHost)
	v.SetDefault(KeyDialTimeout, 10*time.Second)
	v.SetDefault(KeyDialRetries, 0)
	v.SetDefault(KeyRetryDelay, 500*time.Millisecond)
	v.SetDefault(KeyQueue, DefaultQueue)
	v.SetDefault(KeyPrefetch, 1)
	v.SetDefault(KeyLogLevel, "INFO")
	v.SetDefault(KeyLogFormat, "text")

	for key, env := range envBindings {
		// BindEnv возвращает ошибку только при пустом списке аргументов.
		_ = v.BindEnv(key, env)
	}

	return v
}

// BindFlags регистрирует общие флаги в fs и привязывает их к v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "Config file (yaml, json or toml)")
	fs.String("url", "", "Broker AMQP URI (overrides host/port/user/password/vhost)")
	fs.String("host", mq.DefaultHost, "Broker host")
	fs.Int("port", 0, "Broker port (0 = 5672 for amqp, 5671 for amqps)")
	fs.String("user", "", "Broker username (default guest)")
	fs.String("password", "", "Broker password (default guest)")
	fs.String("vhost", mq.DefaultVHost, "Broker virtual host")
	fs.Duration("dial-timeout", 10*time.Second, "Connection timeout")
	fs.Uint64("dial-retries", 0, "Retries of the initial connection attempt (0 = fail fast)")
	fs.StringP("queue", "q", DefaultQueue, "Queue name")
	fs.Bool("durable", false, "Declare the queue as durable")
	fs.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	fs.String("log-format", "text", "Log format: text or json")

	return bind(v, fs, map[string]string{
		KeyConfigFile:  "config",
		KeyURL:         "url",
		KeyHost:        "host",
		KeyPort:        "port",
		KeyUser:        "user",
		KeyPassword:    "password",
		KeyVHost:       "vhost",
		KeyDialTimeout: "dial-timeout",
		KeyDialRetries: "dial-retries",
		KeyQueue:       "queue",
		KeyDurable:     "durable",
		KeyLogLevel:    "log-level",
		KeyLogFormat:   "log-format",
	})
}

// BindEmitFlags регистрирует флаги производителя.
func BindEmitFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.Bool("persistent", false, "Publish with persistent delivery mode")

	return bind(v, fs, map[string]string{
		KeyPersistent: "persistent",
	})
}

// BindListenFlags регистрирует флаги потребителя.
func BindListenFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.Int("prefetch", 1, "QoS prefetch count (applies only with --manual-ack)")
	fs.Bool("manual-ack", false, "Acknowledge after the handler instead of auto-ack")
	fs.String("metrics-addr", "", "Serve /healthz and /metrics on this address (empty = disabled)")

	return bind(v, fs, map[string]string{
		KeyPrefetch:    "prefetch",
		KeyManualAck:   "manual-ack",
		KeyMetricsAddr: "metrics-addr",
	})
}

func bind(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load читает файл конфигурации (если указан) и собирает Config.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Broker: BrokerConfig{
			URL:         v.GetString(KeyURL),
			Host:        v.GetString(KeyHost),
			Port:        v.GetInt(KeyPort),
			User:        v.GetString(KeyUser),
			Password:    v.GetString(KeyPassword),
			VHost:       v.GetString(KeyVHost),
			DialTimeout: v.GetDuration(KeyDialTimeout),
			DialRetries: v.GetUint64(KeyDialRetries),
			RetryDelay:  v.GetDuration(KeyRetryDelay),
		},
		Queue: QueueConfig{
			Name:       v.GetString(KeyQueue),
			Durable:    v.GetBool(KeyDurable),
			Persistent: v.GetBool(KeyPersistent),
		},
		Consume: ConsumeConfig{
			Prefetch:  v.GetInt(KeyPrefetch),
			ManualAck: v.GetBool(KeyManualAck),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: strings.ToLower(v.GetString(KeyLogFormat)),
		},
		MetricsAddr: v.GetString(KeyMetricsAddr),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}

		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s=%v fails %s", fe.Namespace(), fe.Value(), fe.ActualTag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}

	addr, err := c.Address()
	if err != nil {
		return err
	}
	if err := addr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Address возвращает адрес брокера.
func (c Config) Address() (mq.Address, error) {
	if c.Broker.URL != "" {
		addr, err := mq.ParseAddress(c.Broker.URL)
		if err != nil {
			return mq.Address{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return addr, nil
	}

	return mq.Address{
		Host:     c.Broker.Host,
		Port:     c.Broker.Port,
		Username: c.Broker.User,
		Password: c.Broker.Password,
		VHost:    c.Broker.VHost,
	}, nil
}

// QueueOptions возвращает параметры объявления очереди.
func (c Config) QueueOptions() mq.QueueOptions {
	return mq.QueueOptions{Durable: c.Queue.Durable}
}

// MQ возвращает конфигурацию соединения без Dialer/Logger/Metrics.
func (c Config) MQ() mq.Config {
	return mq.Config{
		DialTimeout: c.Broker.DialTimeout,
		DialRetries: c.Broker.DialRetries,
		RetryDelay:  c.Broker.RetryDelay,
		Prefetch:    c.Consume.Prefetch,
		ManualAck:   c.Consume.ManualAck,
		Persistent:  c.Queue.Persistent,
	}
}
