// Package app собирает зависимости CLI: хранилище, шину событий, REST клиент,
// сессию пользователя и сервисы поверх них.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"carepro-cli/internal/address"
	"carepro-cli/internal/api"
	"carepro-cli/internal/assessment"
	"carepro-cli/internal/auth"
	"carepro-cli/internal/certificates"
	"carepro-cli/internal/config"
	"carepro-cli/internal/eligibility"
	"carepro-cli/internal/events"
	"carepro-cli/internal/general"
	"carepro-cli/internal/metrics"
	"carepro-cli/internal/models"
	"carepro-cli/internal/notify"
	"carepro-cli/internal/storage"

	"go.uber.org/zap"
)

type App struct {
	Config  *config.AppConfig
	Policy  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Store   *storage.Store
	Bus     *events.Bus
	API     *api.Client
	Auth    *auth.Provider
}

// New открывает хранилище и шину и запускает слушатель событий других процессов.
// Вызывающий обязан вызвать Close.
func New(ctx context.Context, cfg *config.AppConfig, policy *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.Open(cfg.State.Dir, cfg.State.Driver, logger)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	busDir := ""
	if cfg.State.Dir != "" {
		busDir = filepath.Join(cfg.State.Dir, "events")
	}
	bus, err := events.NewBus(busDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := bus.Start(ctx); err != nil {
		store.Close()
		return nil, err
	}

	// изменения хранилища видны другим процессам как событие storage
	store.OnChange(func(keys []string) {
		if err := bus.Publish(events.TopicStorage, events.StoragePayload{Keys: keys}); err != nil {
			logger.Warn("failed to publish storage change", zap.Error(err))
		}
	})

	m := metrics.NewMetrics()
	a := &App{
		Config:  cfg,
		Policy:  policy,
		Logger:  logger,
		Metrics: m,
		Store:   store,
		Bus:     bus,
	}

	// токен читается из провайдера, который создаётся после клиента
	a.API = api.NewClient(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRateLimiter(api.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateWindow)),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithTokenSource(a.token),
	)

	a.Auth, err = auth.NewProvider(a.API, store, bus, logger)
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) token() (string, error) {
	if a.Auth == nil {
		return "", nil
	}
	return a.Auth.Token()
}

func (a *App) Close() {
	if a.Auth != nil {
		a.Auth.Close()
	}
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn("failed to close event bus", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("failed to close state store", zap.Error(err))
	}
}

// RequireCaregiver id сиделки или ошибка, если вход не выполнен
func (a *App) RequireCaregiver() (string, error) {
	if !a.Auth.IsAuthenticated() {
		return "", auth.ErrNotAuthenticated
	}
	return a.Auth.CaregiverID()
}

func (a *App) AssessmentController(category string) *assessment.Controller {
	return assessment.NewController(a.API, assessment.Options{
		Category:     category,
		Identity:     a.RequireCaregiver,
		TickInterval: a.Policy.Assessment.TickInterval,
		History:      a.Store,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
		OnComplete: func(res models.AssessmentResult) {
			a.Logger.Info("assessment completed",
				zap.String("category", category),
				zap.Bool("passed", res.Passed),
				zap.Float64("score", res.Score))
		},
	})
}

func (a *App) GeneralHub() *general.Hub {
	userType := models.RoleCaregiver
	if u := a.Auth.CurrentUser(); u != nil && u.Role != "" {
		userType = u.Role
	}
	return general.NewHub(a.API, a.Store, general.Options{
		Identity: a.RequireCaregiver,
		UserType: userType,
		Policy:   a.Policy.General,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})
}

func (a *App) Eligibility() *eligibility.Aggregator {
	return eligibility.NewAggregator(a.API, a.Logger)
}

func (a *App) Certificates() *certificates.Service {
	return certificates.NewService(a.API, a.Logger)
}

// AddressHook без ключа Google Maps работает только локальная проверка
func (a *App) AddressHook() *address.Hook {
	var provider address.Provider
	if a.Config.Maps.APIKey != "" {
		p, err := address.NewGoogleProvider(a.Config.Maps.APIKey, a.Policy.Address.Country, "")
		if err != nil {
			a.Logger.Warn("maps provider unavailable", zap.Error(err))
		} else {
			provider = p
		}
	}
	return address.NewHook(provider, a.Policy.Address, a.Logger)
}

func (a *App) Notifications() *notify.Provider {
	return notify.NewProvider(a.API, notify.Options{
		HubURL:          a.Config.Hub.URL,
		Token:           a.token,
		ReconnectDelays: a.Policy.Hub.ReconnectDelays,
		PollInterval:    a.Policy.Hub.PollInterval,
		Metrics:         a.Metrics,
		Logger:          a.Logger,
	})
}

// VerificationStatus статус проверки с сервера; при ошибке - сохранённая копия
func (a *App) VerificationStatus(ctx context.Context, userID string) (*models.VerificationStatus, bool, error) {
	status, err := a.API.GetVerificationStatus(ctx, userID)
	if err == nil {
		if err := a.Store.SetVerificationStatus(userID, *status); err != nil {
			a.Logger.Warn("failed to cache verification status", zap.Error(err))
		}
		return status, false, nil
	}

	cached, cacheErr := a.Store.VerificationStatus(userID)
	if cacheErr != nil || cached == nil {
		return nil, false, err
	}
	a.Logger.Warn("verification status unavailable, using cached copy", zap.Error(err))
	return cached, true, nil
}

// UpdateProfile сохраняет профиль и сообщает другим процессам
func (a *App) UpdateProfile(ctx context.Context, caregiver models.Caregiver) (*models.Caregiver, error) {
	updated, err := a.API.UpdateCaregiver(ctx, caregiver)
	if err != nil {
		return nil, err
	}
	if err := a.Bus.Publish(events.TopicProfileUpdated, updated); err != nil {
		a.Logger.Warn("failed to broadcast profile update", zap.Error(err))
	}
	return updated, nil
}
