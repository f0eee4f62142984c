package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds process-level settings that never live in cardline.yml.
type Env struct {
	ModelAPIKey  string `env:"CARDLINE_MODEL_API_KEY"`
	ModelName    string `env:"CARDLINE_MODEL_NAME" envDefault:"gemini-2.5-flash"`
	JWTSecret    string `env:"CARDLINE_JWT_SECRET"`
	OTelEndpoint string `env:"CARDLINE_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"CARDLINE_OTEL_ENABLED" envDefault:"true"`
	LogLevel     string `env:"CARDLINE_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}
