package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Host      string
	DataDir   string
	UsersFile string
	JWTSecret string

	StorageBackend string

	// S3 backend (only read when StorageBackend == "s3")
	MinioUser     string
	MinioPass     string
	MinioEndpoint string
	MinioSecure   bool
	MinioBucket   string

	WebhookURL string
	PolicyFile string
}

func Load() *Config {
	return &Config{
		Host:      getEnv("GRAIN_HOST", "0.0.0.0:8000"),
		DataDir:   getEnv("GRAIN_DATA_DIR", "./data"),
		UsersFile: getEnv("GRAIN_USERS_FILE", ""),
		JWTSecret: getEnv("GRAIN_JWT_SECRET", "dev-secret-key-change-me"),

		StorageBackend: getEnv("STORAGE_BACKEND", "filesystem"),

		MinioUser:     getEnv("MINIO_ROOT_USER", "minioadmin"),
		MinioPass:     getEnv("MINIO_ROOT_PASSWORD", "minioadmin"),
		MinioEndpoint: getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioSecure:   getEnv("MINIO_SECURE", "false") == "true",
		MinioBucket:   getEnv("S3_BUCKET", "grain-data"),

		WebhookURL: getEnv("WEBHOOK_URL", ""),
		PolicyFile: getEnv("POLICY_FILE", ""),
	}
}

// UsersPath returns the configured users file, defaulting to users.json
// inside the data directory.
func (c *Config) UsersPath() string {
	if c.UsersFile != "" {
		return c.UsersFile
	}
	return filepath.Join(c.DataDir, "users.json")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
