// Package address подсказывает и проверяет адреса. Ввод проходит через debounce,
// каждый запрос подсказок несёт номер, устаревшие ответы отбрасываются.
package address

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"carepro-cli/internal/config"

	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// State снимок состояния поля адреса
type State struct {
	Input           string
	Suggestions     []Suggestion
	ShowSuggestions bool
	Loading         bool
	Validation      *Result
	Error           string
}

type Hook struct {
	provider Provider
	debounce time.Duration
	minLen   int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	token   uint64
	timer   *time.Timer
	closed  bool
	updates chan State
}

// NewHook provider может быть nil: тогда подсказок нет, проверка только локальная
func NewHook(provider Provider, cfg config.AddressConfig, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = config.Default().Address.Debounce
	}
	if cfg.MinInputLength <= 0 {
		cfg.MinInputLength = config.Default().Address.MinInputLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hook{
		provider: provider,
		debounce: cfg.Debounce,
		minLen:   cfg.MinInputLength,
		logger:   logger.Named("address"),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan State, 1),
	}
}

func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Updates последний снимок после каждого изменения, промежуточные теряются
func (h *Hook) Updates() <-chan State {
	return h.updates
}

func (h *Hook) snapshotLocked() State {
	s := h.state
	s.Suggestions = append([]Suggestion(nil), h.state.Suggestions...)
	return s
}

func (h *Hook) publishLocked() {
	s := h.snapshotLocked()
	select {
	case <-h.updates:
	default:
	}
	h.updates <- s
}

// cancelPendingLocked останавливает debounce и делает устаревшими запросы в полёте
func (h *Hook) cancelPendingLocked() {
	h.token++
	if h.timer != nil {
		if h.timer.Stop() {
			h.wg.Done()
		}
		h.timer = nil
	}
}

// HandleAddressChange вызывается на каждое изменение ввода
func (h *Hook) HandleAddressChange(value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.cancelPendingLocked()
	h.state.Input = value
	h.state.Validation = nil
	h.state.Error = ""

	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len([]rune(trimmed)) < h.minLen || h.provider == nil {
		h.state.Suggestions = nil
		h.state.ShowSuggestions = false
		h.state.Loading = false
		h.publishLocked()
		return
	}

	h.state.Loading = true
	token := h.token
	h.wg.Add(1)
	h.timer = time.AfterFunc(h.debounce, func() {
		defer h.wg.Done()
		h.fetchSuggestions(token, trimmed)
	})
	h.publishLocked()
}

func (h *Hook) fetchSuggestions(token uint64, input string) {
	ctx, cancel := context.WithTimeout(h.ctx, requestTimeout)
	defer cancel()

	suggestions, err := h.provider.Suggest(ctx, input)

	h.mu.Lock()
	defer h.mu.Unlock()
	if token != h.token || h.closed {
		h.logger.Debug("dropping stale suggestions", zap.Uint64("token", token), zap.Uint64("current", h.token))
		return
	}
	h.timer = nil
	h.state.Loading = false
	if err != nil {
		h.logger.Warn("address suggestions failed", zap.Error(err))
		h.state.Suggestions = nil
		h.state.ShowSuggestions = false
		h.state.Error = "Unable to load address suggestions"
	} else {
		h.state.Suggestions = suggestions
		h.state.ShowSuggestions = len(suggestions) > 0
	}
	h.publishLocked()
}

// SelectSuggestion минует debounce и проверяет выбранное место напрямую
func (h *Hook) SelectSuggestion(ctx context.Context, s Suggestion) Result {
	h.mu.Lock()
	h.cancelPendingLocked()
	h.state.Input = s.Description
	h.state.Suggestions = nil
	h.state.ShowSuggestions = false
	h.state.Loading = h.provider != nil
	h.publishLocked()
	h.mu.Unlock()

	var res Result
	if h.provider == nil || s.PlaceID == "" {
		res = LocalValidate(s.Description)
	} else {
		place, err := h.provider.PlaceDetails(ctx, s.PlaceID)
		if err != nil {
			h.logger.Warn("place details failed, validating text", zap.Error(err))
			res = h.validate(ctx, s.Description)
		} else {
			res = fromPlace(place)
		}
	}

	h.storeValidation(res)
	return res
}

// Validate проверяет адрес провайдером, при его ошибке локально
func (h *Hook) Validate(ctx context.Context, address string) Result {
	res := h.validate(ctx, address)
	h.storeValidation(res)
	return res
}

func (h *Hook) validate(ctx context.Context, address string) Result {
	if strings.TrimSpace(address) == "" || h.provider == nil {
		return LocalValidate(address)
	}

	place, err := h.provider.Geocode(ctx, address)
	switch {
	case err == nil:
		return fromPlace(place)
	case errors.Is(err, ErrNotFound):
		return Result{
			Source:           SourceProvider,
			FormattedAddress: strings.TrimSpace(address),
			Errors:           []string{"Address could not be found"},
		}
	default:
		h.logger.Warn("address provider failed, using local validation", zap.Error(err))
		return LocalValidate(address)
	}
}

func (h *Hook) storeValidation(res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Loading = false
	h.state.Validation = &res
	if res.FormattedAddress != "" && res.Source == SourceProvider && res.IsValid {
		h.state.Input = res.FormattedAddress
	}
	h.publishLocked()
}

// Close отменяет запросы и ждёт фоновые горутины
func (h *Hook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cancelPendingLocked()
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}
