package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Audio struct {
	ConnectionTimeout      time.Duration `mapstructure:"connection_timeout"`
	PermissionProbeTimeout time.Duration `mapstructure:"permission_probe_timeout"`
	FlowTimeout            time.Duration `mapstructure:"flow_timeout"`
	StateTimeout           time.Duration `mapstructure:"state_timeout"`
	ClientMediaServer      string        `mapstructure:"client_media_server"`
	OriginMediaServer      string        `mapstructure:"origin_media_server"`
	PermissionProbe        bool          `mapstructure:"permission_probe"`
	EjectOnUserLeft        bool          `mapstructure:"eject_on_user_left"`
	RecordingsDir          string        `mapstructure:"recordings_dir"`
}

type MediaServer struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Mode        string      `mapstructure:"mode"`
	Port        int         `mapstructure:"port"`
	Redis       Redis       `mapstructure:"redis"`
	MediaServer MediaServer `mapstructure:"media_server"`
	Audio       Audio       `mapstructure:"audio"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3008)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("media_server.url", "ws://127.0.0.1:8888/mcs")
	v.SetDefault("audio.connection_timeout", "25s")
	v.SetDefault("audio.permission_probe_timeout", "10s")
	v.SetDefault("audio.flow_timeout", "15s")
	v.SetDefault("audio.state_timeout", "15s")
	v.SetDefault("audio.client_media_server", "Kurento")
	v.SetDefault("audio.origin_media_server", "FreeSWITCH")
	v.SetDefault("audio.permission_probe", true)
	v.SetDefault("audio.eject_on_user_left", true)
	v.SetDefault("audio.recordings_dir", "")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
