package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load загружает политику из YAML файла. Незаданные поля берутся из Default.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	err = validateConfig(config)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// LoadOrDefault как Load, но отсутствующий файл не ошибка
func LoadOrDefault(filename string) (*Config, error) {
	cfg, err := Load(filename)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// validateConfig проверяет корректность политики
func validateConfig(config *Config) error {
	if config.Assessment.TickInterval <= 0 {
		return fmt.Errorf("assessment.tick_interval must be positive")
	}

	if config.General.QuestionCacheTTL < 0 {
		return fmt.Errorf("general.question_cache_ttl cannot be negative")
	}

	if config.General.MaxAttempts <= 0 {
		return fmt.Errorf("general.max_attempts must be positive")
	}

	if config.Address.Debounce < 0 {
		return fmt.Errorf("address.debounce cannot be negative")
	}

	if config.Address.MinInputLength <= 0 {
		return fmt.Errorf("address.min_input_length must be positive")
	}

	if len(config.Hub.ReconnectDelays) == 0 {
		return fmt.Errorf("hub.reconnect_delays must not be empty")
	}

	for i, d := range config.Hub.ReconnectDelays {
		if d < 0 {
			return fmt.Errorf("hub.reconnect_delays[%d] cannot be negative", i)
		}
	}

	// Проверяем категории
	seen := make(map[string]bool)
	for i, cat := range config.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category %d must have name", i)
		}
		if seen[cat.Name] {
			return fmt.Errorf("category %s is duplicated", cat.Name)
		}
		seen[cat.Name] = true

		if cat.Title == "" {
			return fmt.Errorf("category %s must have title", cat.Name)
		}
	}

	return nil
}
