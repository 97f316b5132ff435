package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	ServerAddr     string
	BackendURL     string
	BackendAPIKey  string
	StatePath      string
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, backendURL, backendAPIKey, statePath, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if backendURL == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		BackendURL:     backendURL,
		BackendAPIKey:  backendAPIKey,
		StatePath:      statePath,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}
