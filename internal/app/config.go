package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppPort           string `env:"APP_PORT" envDefault:"8080"`
	DBHost            string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort            string `env:"DB_PORT" envDefault:"3306"`
	DBName            string `env:"DB_NAME" envDefault:"authd"`
	DBUser            string `env:"DB_USER" envDefault:"authd"`
	DBPassword        string `env:"DB_PASSWORD" envDefault:""`
	JWTSecret         string `env:"JWT_SECRET" envDefault:"dev_jwt_secret_change_me"`
	AccessTokenTTLMin int    `env:"ACCESS_TOKEN_TTL_MIN" envDefault:"30"`
	AdminInitEmail    string `env:"ADMIN_INIT_EMAIL"`
	AdminInitPassword string `env:"ADMIN_INIT_PASSWORD"`
	AdminInitEnabled  bool   `env:"ADMIN_INIT_ENABLED" envDefault:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMin) * time.Minute
}

func (c Config) DSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true&charset=utf8mb4"
}
