// Package auth хранит сессию пользователя процесса: токены, данные
// пользователя и id сиделки. Выход в одном процессе виден остальным через шину.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carepro-cli/internal/events"
	"carepro-cli/internal/models"
	"carepro-cli/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated, please log in")
	ErrNoCaregiver      = errors.New("Unable to identify your account")
)

// claimKeys где бэкенд кладёт id пользователя в JWT
var claimKeys = []string{
	"userId",
	"nameid",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
	"sub",
}

// LoginAPI часть REST клиента, нужная для входа
type LoginAPI interface {
	Login(ctx context.Context, email, password string) (*models.LoginResponse, error)
}

type Provider struct {
	client LoginAPI
	store  *storage.Store
	bus    *events.Bus
	logger *zap.Logger

	mu          sync.RWMutex
	user        *models.UserDetails
	token       string
	unsubscribe func()
	done        chan struct{}
}

// NewProvider читает сохранённую сессию. bus может быть nil.
func NewProvider(client LoginAPI, store *storage.Store, bus *events.Bus, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		client: client,
		store:  store,
		bus:    bus,
		logger: logger.Named("auth"),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}

	if bus != nil {
		ch, unsubscribe := bus.Subscribe(events.TopicAll)
		p.unsubscribe = unsubscribe
		p.done = make(chan struct{})
		go p.listen(ch)
	}
	return p, nil
}

func (p *Provider) listen(ch <-chan events.Event) {
	defer close(p.done)
	for ev := range ch {
		switch ev.Topic {
		case events.TopicLogout, events.TopicProfileUpdated:
		case events.TopicStorage:
			var payload events.StoragePayload
			if ev.Decode(&payload) != nil || !touchesAuth(payload.Keys) {
				continue
			}
		default:
			continue
		}
		if err := p.reload(); err != nil {
			p.logger.Warn("failed to reload session", zap.Error(err))
		}
	}
}

func touchesAuth(keys []string) bool {
	for _, k := range keys {
		switch k {
		case storage.KeyAuthToken, storage.KeyUserDetails:
			return true
		}
	}
	return false
}

func (p *Provider) reload() error {
	token, err := p.store.AuthToken()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	user, err := p.store.UserDetails()
	if err != nil {
		return fmt.Errorf("read user: %w", err)
	}

	p.mu.Lock()
	p.token = token
	p.user = user
	p.mu.Unlock()
	return nil
}

// Login выполняет вход и сохраняет сессию
func (p *Provider) Login(ctx context.Context, email, password string) (*models.UserDetails, error) {
	resp, err := p.client.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return nil, errors.New("login: server returned no token")
	}

	err = p.store.SaveAuthSession(storage.AuthSession{
		Token:        resp.Token,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
		IsFirstLogin: resp.IsFirstLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	p.mu.Lock()
	p.token = resp.Token
	user := resp.User
	p.user = &user
	p.mu.Unlock()

	p.logger.Info("logged in", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return &user, nil
}

// Logout очищает сессию и оповещает другие процессы
func (p *Provider) Logout() error {
	if err := p.store.ClearAuth(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	p.mu.Lock()
	p.token = ""
	p.user = nil
	p.mu.Unlock()

	if p.bus != nil {
		if err := p.bus.Publish(events.TopicLogout, nil); err != nil {
			p.logger.Warn("failed to broadcast logout", zap.Error(err))
		}
	}
	return nil
}

// Token для api.TokenSource
func (p *Provider) Token() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

func (p *Provider) CurrentUser() *models.UserDetails {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return nil
	}
	user := *p.user
	return &user
}

func (p *Provider) IsAuthenticated() bool {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return false
	}
	expiry, ok := TokenExpiry(token)
	return !ok || time.Now().Before(expiry)
}

// TokenExpired true, если токен есть и срок exp прошёл
func (p *Provider) TokenExpired() bool {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return false
	}
	expiry, ok := TokenExpiry(token)
	return ok && !time.Now().Before(expiry)
}

// CaregiverID id текущей сиделки: из userDetails, иначе из claims токена
func (p *Provider) CaregiverID() (string, error) {
	p.mu.RLock()
	user, token := p.user, p.token
	p.mu.RUnlock()

	if token == "" && user == nil {
		return "", ErrNotAuthenticated
	}
	if user != nil && user.ID != "" && (user.Role == "" || user.Role == models.RoleCaregiver) {
		return user.ID, nil
	}
	if user == nil || user.Role == "" {
		if id := claimString(token, claimKeys...); id != "" {
			return id, nil
		}
	}
	return "", ErrNoCaregiver
}

// Close прекращает слушать шину
func (p *Provider) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		<-p.done
	}
}

// TokenExpiry читает exp из JWT без проверки подписи, подпись проверяет сервер
func TokenExpiry(token string) (time.Time, bool) {
	claims, ok := parseClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func parseClaims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, false
	}
	return claims, true
}

func claimString(token string, keys ...string) string {
	claims, ok := parseClaims(token)
	if !ok {
		return ""
	}
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
