package app

import (
	"os"
	"strings"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type Config struct {
	ServerAddr      string
	TemporalEnabled bool
	RedisEnabled    bool
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		ServerAddr:      envutil.String("SERVER_ADDR", ":8080"),
		TemporalEnabled: strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")) != "",
		RedisEnabled:    strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "",
	}
	log.Info("Config loaded",
		"server_addr", cfg.ServerAddr,
		"temporal_enabled", cfg.TemporalEnabled,
		"redis_enabled", cfg.RedisEnabled,
	)
	return cfg
}
