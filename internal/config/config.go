package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                    string
	DatabaseDSN             string
	JWTSecret               string
	Env                     string
	AccessTokenTTLMinutes   int
	RefreshTokenTTLDays     int
	HandshakeTimeoutSeconds int
	MaxRoomsPerMember       int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析整型环境变量，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                    getenv("APP_PORT", "8080"),
		DatabaseDSN:             getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=ppchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:               getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                     getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes:   getenvInt("ACCESS_TOKEN_TTL_MINUTES", 30),
		RefreshTokenTTLDays:     getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		HandshakeTimeoutSeconds: getenvInt("WS_HANDSHAKE_TIMEOUT_SECONDS", 10),
		MaxRoomsPerMember:       getenvInt("MAX_ROOMS_PER_MEMBER", 50),
	}
}

// Validate 启动前的基本校验，生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("config: default jwt secret outside dev")
	}
	return nil
}
