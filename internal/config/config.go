package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
)

// SFTPConfig holds the remote-storage connection settings. Uploads are
// an optional feature: when Host is empty the upload endpoints report
// themselves unconfigured instead of failing requests.
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	BasePath string
}

func (c SFTPConfig) Configured() bool {
	return c.Host != "" && c.User != "" && c.Password != ""
}

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	SigningKey     []byte
	CatalogueURL   string
	// CatalogueAdminUser and CatalogueAdminPass let the server resolve
	// track paths through the catalogue's native API. Optional; without
	// them upload like-tracking is disabled.
	CatalogueAdminUser string
	CatalogueAdminPass string
	AdminUser          string
	AdminPass          string
	SFTP               SFTPConfig
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, catalogueURL, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if catalogueURL == "" {
		return nil, fmt.Errorf("catalogue URL cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		CatalogueURL:   catalogueURL,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// ApplyEnv fills the optional settings that come from the environment
// rather than flags: remote storage and the admin account.
func (c *Config) ApplyEnv() {
	c.CatalogueAdminUser = os.Getenv("CATALOGUE_ADMIN_USER")
	c.CatalogueAdminPass = os.Getenv("CATALOGUE_ADMIN_PASS")
	c.AdminUser = os.Getenv("JAMROOM_ADMIN_USER")
	c.AdminPass = os.Getenv("JAMROOM_ADMIN_PASS")

	c.SFTP = SFTPConfig{
		Host:     os.Getenv("SFTP_HOST"),
		User:     os.Getenv("SFTP_USER"),
		Password: os.Getenv("SFTP_PASSWORD"),
		BasePath: os.Getenv("SFTP_BASE_PATH"),
		Port:     22,
	}
	if p := os.Getenv("SFTP_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			c.SFTP.Port = port
		}
	}
}
