package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ObserverLink configures the links that carry samples to the observer
// service. An empty URL keeps samples in process.
type ObserverLink struct {
	URL              string        `mapstructure:"url"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryPace        time.Duration `mapstructure:"retry_pace"`
	ResendPace       time.Duration `mapstructure:"resend_pace"`
	MaxBufferSize    int           `mapstructure:"max_buffer_size"`
	MaxBufferAge     time.Duration `mapstructure:"max_buffer_age"`
}

type Server struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	LogLevel     string        `mapstructure:"log_level"`
	ServerIP     string        `mapstructure:"server_ip"`
	AnnouncedIP  string        `mapstructure:"announced_ip"`
	RTCMinPort   uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort   uint16        `mapstructure:"rtc_max_port"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendQueue    int           `mapstructure:"send_queue"`
	Backpressure string        `mapstructure:"backpressure"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	ServiceID    string        `mapstructure:"service_id"`
	MediaUnitID  string        `mapstructure:"media_unit_id"`
	SamplePeriod time.Duration `mapstructure:"sample_period"`
	Observer     ObserverLink  `mapstructure:"observer"`
}

type Observer struct {
	Mode                 string        `mapstructure:"mode"`
	Port                 int           `mapstructure:"port"`
	LogLevel             string        `mapstructure:"log_level"`
	ServiceID            string        `mapstructure:"service_id"`
	MediaUnitID          string        `mapstructure:"media_unit_id"`
	ReadLimit            int64         `mapstructure:"read_limit"`
	PingPeriod           time.Duration `mapstructure:"ping_period"`
	MaxDisconnectingTime time.Duration `mapstructure:"max_disconnecting_time"`
	CheckPeriod          time.Duration `mapstructure:"check_period"`
}

// LoadServer reads config/server.<CONFIG_ENV>.yaml, or the file named by
// --config, then applies HUDDLE_* environment variables and flags.
func LoadServer(args []string) (*Server, error) {
	v, err := load("server", args, func(v *viper.Viper) {
		v.SetDefault("mode", "release")
		v.SetDefault("port", 3000)
		v.SetDefault("log_level", "info")
		v.SetDefault("server_ip", "0.0.0.0")
		v.SetDefault("announced_ip", "")
		v.SetDefault("rtc_min_port", 40000)
		v.SetDefault("rtc_max_port", 49999)
		v.SetDefault("ice_servers", []string{})
		v.SetDefault("read_limit", 1<<20)
		v.SetDefault("ping_period", "54s")
		v.SetDefault("send_queue", 64)
		v.SetDefault("backpressure", "kick")
		v.SetDefault("join_limit", 10)
		v.SetDefault("join_interval", "10s")
		v.SetDefault("service_id", "huddle")
		v.SetDefault("media_unit_id", "local")
		v.SetDefault("sample_period", "5s")
		v.SetDefault("observer.url", "")
		v.SetDefault("observer.max_retry_attempts", -1)
		v.SetDefault("observer.retry_pace", "1s")
		v.SetDefault("observer.resend_pace", "200ms")
		v.SetDefault("observer.max_buffer_size", 1000)
		v.SetDefault("observer.max_buffer_age", "30s")
	})
	if err != nil {
		return nil, err
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.RTCMinPort > cfg.RTCMaxPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	if cfg.SamplePeriod <= 0 {
		return nil, errors.New("sample_period must be positive")
	}
	log.Info().Str("mode", cfg.Mode).Int("port", cfg.Port).Str("observer", cfg.Observer.URL).Msg("server config")
	return &cfg, nil
}

func LoadObserver(args []string) (*Observer, error) {
	v, err := load("observer", args, func(v *viper.Viper) {
		v.SetDefault("mode", "release")
		v.SetDefault("port", 4000)
		v.SetDefault("log_level", "info")
		v.SetDefault("service_id", "huddle")
		v.SetDefault("media_unit_id", "local")
		v.SetDefault("read_limit", 1<<20)
		v.SetDefault("ping_period", "54s")
		v.SetDefault("max_disconnecting_time", "30s")
		v.SetDefault("check_period", "5s")
	})
	if err != nil {
		return nil, err
	}

	var cfg Observer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.CheckPeriod <= 0 {
		return nil, errors.New("check_period must be positive")
	}
	log.Info().Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("observer config")
	return &cfg, nil
}

func load(app string, args []string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	fl := pflag.NewFlagSet(app, pflag.ContinueOnError)
	configFile := fl.String("config", "", "config file (default config/"+app+".<CONFIG_ENV>.yaml)")
	fl.Int("port", 0, "listen port")
	fl.String("log-level", "", "log level")
	if err := fl.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	fileName := *configFile
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/%s.%s.yaml", app, env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if f := fl.Lookup("port"); f.Changed {
		if err := v.BindPFlag("port", f); err != nil {
			return nil, err
		}
	}
	if f := fl.Lookup("log-level"); f.Changed {
		if err := v.BindPFlag("log_level", f); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", fileName, err)
		}
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("config loaded")
	}
	return v, nil
}
