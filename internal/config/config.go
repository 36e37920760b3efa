package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`

	Log     LogConfig     `mapstructure:"log"`
	Workers WorkersConfig `mapstructure:"workers"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	RTC     RTCConfig     `mapstructure:"rtc"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WorkersConfig struct {
	// Count of routing workers; zero means one per CPU.
	Count        int           `mapstructure:"count"`
	UsageTimeout time.Duration `mapstructure:"usage_timeout"`
	DeathGrace   time.Duration `mapstructure:"death_grace"`
}

type LimitsConfig struct {
	MaxAudioProducers int           `mapstructure:"max_audio_producers"`
	MaxVideoProducers int           `mapstructure:"max_video_producers"`
	MaxParticipants   int           `mapstructure:"max_participants"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	EventsPerSecond   int           `mapstructure:"events_per_second"`
}

type RTCConfig struct {
	UDPPortMin  int      `mapstructure:"udp_port_min"`
	UDPPortMax  int      `mapstructure:"udp_port_max"`
	AnnouncedIP string   `mapstructure:"announced_ip"`
	ICEServers  []string `mapstructure:"ice_servers"`
	// IncludeLoopback gathers 127.0.0.1 candidates, for clients on the same host.
	IncludeLoopback bool `mapstructure:"include_loopback"`
}

type AdminConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "change-me")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.usage_timeout", "2s")
	v.SetDefault("workers.death_grace", "3s")

	v.SetDefault("limits.max_audio_producers", 1)
	v.SetDefault("limits.max_video_producers", 2)
	v.SetDefault("limits.max_participants", 0)
	v.SetDefault("limits.request_timeout", "10s")
	v.SetDefault("limits.events_per_second", 50)

	v.SetDefault("rtc.udp_port_min", 40000)
	v.SetDefault("rtc.udp_port_max", 49999)
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.ice_servers", []string{})
	v.SetDefault("rtc.include_loopback", false)

	v.SetDefault("admin.token_ttl", "1h")
}

// Load reads config/config.<CONFIG_ENV>.yaml and applies VOICECONF_* overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICECONF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Fprintf(os.Stderr, "✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "🧩 Mode: %s | Port: %d | Workers: %d\n", cfg.Mode, cfg.Port, cfg.Workers.Count)
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.RTC.UDPPortMin <= 0 || c.RTC.UDPPortMax > 65535 || c.RTC.UDPPortMin > c.RTC.UDPPortMax {
		errs = append(errs, fmt.Errorf("invalid rtc udp port range %d-%d", c.RTC.UDPPortMin, c.RTC.UDPPortMax))
	}
	if c.Limits.MaxAudioProducers < 0 || c.Limits.MaxVideoProducers < 0 || c.Limits.MaxParticipants < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.RequestTimeout <= 0 {
		errs = append(errs, errors.New("limits.request_timeout must be positive"))
	}
	if c.PingPeriod >= c.PongWait {
		errs = append(errs, fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	return errors.Join(errs...)
}
