package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DatabaseConfig represents the durable repository connection
type DatabaseConfig struct {
	Type     string `yaml:"type" toml:"type"`         // mysql, postgres, sqlite
	Host     string `yaml:"host" toml:"host"`         // localhost
	Port     int    `yaml:"port" toml:"port"`         // 3306 (for mysql), 5432 (for postgres)
	User     string `yaml:"user" toml:"user"`         // root (for mysql), postgres (for postgres)
	Password string `yaml:"password" toml:"password"` // password
	DBName   string `yaml:"dbname" toml:"dbname"`     // database name, file path for sqlite
	SSLMode  string `yaml:"sslmode" toml:"sslmode"`   // disable (for postgres)
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() (string, error) {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN(), nil
	case "mysql":
		return c.getMySQLDSN(), nil
	case "sqlite":
		if c.DBName == ":memory:" {
			return c.DBName, nil
		}
		if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for sqlite database: %w", err)
		}
		return c.DBName, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", c.Type)
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}
