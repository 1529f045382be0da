package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	API   APIConfig
	Hub   HubConfig
	Maps  MapsConfig
	State StateConfig
	Debug bool
}

type APIConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  int
	RateWindow time.Duration
}

type HubConfig struct {
	URL string
}

type MapsConfig struct {
	APIKey string
}

type StateConfig struct {
	Dir    string
	Driver string
}

// LoadAppConfig собирает конфигурацию приложения из переменных окружения
func LoadAppConfig() *AppConfig {
	baseURL := strings.TrimRight(getEnv("CAREPRO_API_URL", "https://carepro-api20241118153443.azurewebsites.net/api"), "/")

	return &AppConfig{
		API: APIConfig{
			BaseURL:    baseURL,
			Timeout:    getEnvAsDuration("API_TIMEOUT", 30*time.Second),
			RateLimit:  getEnvAsInt("API_RATE_LIMIT", 60),
			RateWindow: getEnvAsDuration("API_RATE_WINDOW", time.Minute),
		},
		Hub: HubConfig{
			URL: getEnv("CAREPRO_HUB_URL", defaultHubURL(baseURL)),
		},
		Maps: MapsConfig{
			APIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),
		},
		State: StateConfig{
			Dir:    getEnv("CAREPRO_STATE_DIR", defaultStateDir()),
			Driver: getEnv("CAREPRO_STATE_DRIVER", "sqlite"),
		},
		Debug: getEnvAsBool("CAREPRO_DEBUG", false),
	}
}

// defaultHubURL: хаб живёт рядом с REST API, но без суффикса /api
func defaultHubURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/api") + "/notificationHub"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carepro"
	}
	return home + string(os.PathSeparator) + ".carepro"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
