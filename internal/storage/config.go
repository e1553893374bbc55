package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Config defines fields used to build the database connection string.
// Values are parsed from environment variables in main.
type Config struct {
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port     uint16 `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"driftchat"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_NAME" envDefault:"driftchat"`
}

// DSN builds a postgres connection string from config fields.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Option alters the default pgxpool.Config used during Store construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns caps the number of pooled connections
func MaxConns(n int32) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.MaxConns = n
	})
}
