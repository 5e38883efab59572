package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                   string
	MongoURI               string
	MongoDB                string
	JWTSecret              string
	Env                    string
	AccessTokenTTLMinutes  int
	RefreshTokenTTLDays    int
	PendingRequestTTLHours int
	MaxSelfDestructSeconds int
}

const defaultJWTSecret = "dev-secret-change-me"

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                   getenv("APP_PORT", "8080"),
		MongoURI:               getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:                getenv("MONGO_DB", "cryptalk"),
		JWTSecret:              getenv("JWT_SECRET", defaultJWTSecret),
		Env:                    getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes:  getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:    getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		PendingRequestTTLHours: getenvInt("PENDING_REQUEST_TTL_HOURS", 24),
		MaxSelfDestructSeconds: getenvInt("MAX_SELF_DESTRUCT_SECONDS", 300),
	}
}

// Validate 校验关键配置，dev 以外的环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.MongoURI == "" {
		return errors.New("config: mongo uri is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT secret is not allowed outside dev")
	}
	return nil
}
