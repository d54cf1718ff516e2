package roomchat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/gateway"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

const (
	LocalBroker = "local"
	RedisBroker = "redis"
)

type Config struct {
	// Mode is dev or prod. In prod mode the server only negotiates strong TLS.
	Mode Mode `mapstructure:"mode" validate:"oneof=dev prod"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `mapstructure:"hostname" validate:"required"`
	// Port is the Port number to listen on. The default is 8080.
	Port int `mapstructure:"port" validate:"port"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TLS            struct {
		Crt string `mapstructure:"crt"`
		Key string `mapstructure:"key"`
	} `mapstructure:"tls"`
	Auth struct {
		// Secret is the base64 encoded key used to sign identity tokens.
		// Without a secret the gateway trusts the identity in the query.
		Secret   Base64Encoded `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	} `mapstructure:"auth"`
	WebSocket  core.WSConfig `mapstructure:"websocket"`
	Transcript struct {
		Enabled bool `mapstructure:"enabled"`
		// File is the path to the SQLite database file.
		File string `mapstructure:"file"`
	} `mapstructure:"transcript"`
	Broker struct {
		Kind  string              `mapstructure:"kind" validate:"oneof=local redis"`
		Redis gateway.RedisConfig `mapstructure:"redis"`
	} `mapstructure:"broker"`
	Client struct {
		GatewayURL     string        `mapstructure:"gateway_url" validate:"required,url"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	} `mapstructure:"client"`
	Log struct {
		Level slog.Level `mapstructure:"level"`
	} `mapstructure:"log"`
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("websocket.write_wait", core.DefaultWSConfig.WriteWait)
	v.SetDefault("websocket.pong_wait", core.DefaultWSConfig.PongWait)
	v.SetDefault("websocket.ping_period", core.DefaultWSConfig.PingPeriod)
	v.SetDefault("websocket.max_message_size", core.DefaultWSConfig.MaxMessageSize)
	v.SetDefault("websocket.send_buffer", core.DefaultWSConfig.SendBuffer)

	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.file", "./roomchat.db")

	v.SetDefault("broker.kind", LocalBroker)
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.prefix", "roomchat")
	v.SetDefault("broker.redis.pool_size", 10)
	v.SetDefault("broker.redis.read_timeout", "3s")
	v.SetDefault("broker.redis.write_timeout", "3s")

	v.SetDefault("client.gateway_url", "ws://localhost:8080/ws")
	v.SetDefault("client.connect_timeout", "10s")

	v.SetDefault("log.level", "info")
}

// LoadConfig loads config.yaml from dir, when present, and the ROOMCHAT_
// environment variables on top of the defaults. A config that fails to
// decode is returned as is and caught by Validate.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)
	v.SetEnvPrefix("ROOMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if (c.TLS.Crt == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.crt and tls.key must be set together"))
	}
	if c.Transcript.Enabled && c.Transcript.File == "" {
		errs = append(errs, errors.New("transcript.file is required when transcripts are enabled"))
	}
	if c.Broker.Kind == RedisBroker && c.Broker.Redis.Address == "" {
		errs = append(errs, errors.New("broker.redis.address is required for the redis broker"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.valid = true
	return nil
}

// FormatValidationErrors renders the error returned by Validate, one problem per line.
func FormatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error() + "\n"
	}
	trans, _ := uniTrans.GetTranslator("en")

	var sb strings.Builder
	for _, fe := range verrs {
		sb.WriteString(fe.Translate(trans))
		sb.WriteString("\n")
	}
	return sb.String()
}
