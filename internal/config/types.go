package config

import "time"

// Config описывает политику оценок, читается из config/assessment.yaml
type Config struct {
	Assessment AssessmentConfig `yaml:"assessment"`
	General    GeneralConfig    `yaml:"general"`
	Address    AddressConfig    `yaml:"address"`
	Hub        HubPolicy        `yaml:"hub"`
	Categories []Category       `yaml:"categories"`
}

// AssessmentConfig содержит настройки специализированной оценки
type AssessmentConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// GeneralConfig содержит настройки общей оценки
type GeneralConfig struct {
	QuestionCacheTTL time.Duration `yaml:"question_cache_ttl"`
	MaxAttempts      int           `yaml:"max_attempts"`
	CooldownDays     int           `yaml:"cooldown_days"`
}

// AddressConfig содержит настройки автодополнения адресов
type AddressConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	MinInputLength int           `yaml:"min_input_length"`
	Country        string        `yaml:"country"`
}

// HubPolicy задаёт задержки переподключения к хабу уведомлений
type HubPolicy struct {
	ReconnectDelays []time.Duration `yaml:"reconnect_delays"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
}

// Category представляет одну категорию услуг
type Category struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
}

// Default возвращает политику по умолчанию
func Default() *Config {
	return &Config{
		Assessment: AssessmentConfig{TickInterval: time.Second},
		General: GeneralConfig{
			QuestionCacheTTL: time.Hour,
			MaxAttempts:      3,
			CooldownDays:     15,
		},
		Address: AddressConfig{
			Debounce:       300 * time.Millisecond,
			MinInputLength: 3,
			Country:        "us",
		},
		Hub: HubPolicy{
			ReconnectDelays: []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second},
			PollInterval:    30 * time.Second,
		},
		Categories: []Category{
			{Name: "MedicalSupport", Title: "Medical Support"},
			{Name: "PostSurgeryCare", Title: "Post-Surgery Care"},
			{Name: "SpecialNeedsCare", Title: "Special Needs Care"},
			{Name: "PalliativeCare", Title: "Palliative Care"},
		},
	}
}

func (c *Config) GetCategory(name string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return Category{}, false
}

func (c *Config) CategoryNames() []string {
	names := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		names = append(names, cat.Name)
	}
	return names
}
