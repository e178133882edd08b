// Package config loads server configuration from an optional yaml file with
// environment overrides (prefix AURORA_, e.g. AURORA_SERVER_ADDR).
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Game   GameConfig   `mapstructure:"game"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GameConfig struct {
	CountdownTicks int           `mapstructure:"countdown_ticks"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	RevealDelay    time.Duration `mapstructure:"reveal_delay"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	RoomMaxIdle    time.Duration `mapstructure:"room_max_idle"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path if non-empty, otherwise runs on defaults and environment
// alone. A missing file at an explicit path is an error; defaults cover
// everything else.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("game.countdown_ticks", 5)
	v.SetDefault("game.tick_interval", time.Second)
	v.SetDefault("game.reveal_delay", 1500*time.Millisecond)
	v.SetDefault("game.sweep_interval", time.Minute)
	v.SetDefault("game.room_max_idle", 2*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("AURORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Game.CountdownTicks <= 0 {
		return errors.New("game.countdown_ticks must be positive")
	}
	if c.Game.TickInterval <= 0 || c.Game.SweepInterval <= 0 {
		return errors.New("game intervals must be positive")
	}
	return nil
}
