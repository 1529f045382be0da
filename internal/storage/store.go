package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"carepro-cli/internal/models"

	"go.uber.org/zap"
)

// Store типизированный доступ к локальному состоянию.
// Все чтения и записи ключей проходят через него.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.RWMutex
	hooks []func(keys []string)
}

// AuthSession то, что сохраняется после входа
type AuthSession struct {
	Token        string
	RefreshToken string
	User         models.UserDetails
	IsFirstLogin bool
}

// Open открывает хранилище нужного типа: "sqlite" или "file"
func Open(dir, driver string, logger *zap.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch driver {
	case "", "sqlite":
		backend, err = NewSQLiteBackend(dir)
	case "file":
		backend, err = NewFileBackend(dir)
	default:
		return nil, fmt.Errorf("unknown state driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	store, err := New(backend, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

// New оборачивает backend и приводит схему к текущей версии
func New(backend Backend, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{backend: backend, logger: logger.Named("storage")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	raw, ok, err := s.backend.Get(KeySchemaVersion)
	if err != nil {
		return err
	}

	version := 0
	if ok {
		version, err = strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("bad schema version %q: %w", raw, err)
		}
	}

	if version > SchemaVersion {
		return fmt.Errorf("%w: version %d", ErrNewerSchema, version)
	}
	if version == SchemaVersion {
		return nil
	}

	// v0 -> v1: веб-клиент мог оставить isFirstLogin в виде "\"true\""
	if first, ok, err := s.backend.Get(KeyIsFirstLogin); err == nil && ok {
		var unquoted string
		if json.Unmarshal([]byte(first), &unquoted) == nil {
			if err := s.backend.SetMany(map[string]string{KeyIsFirstLogin: unquoted}); err != nil {
				return err
			}
		}
	}

	s.logger.Debug("state schema migrated", zap.Int("from", version), zap.Int("to", SchemaVersion))
	return s.backend.SetMany(map[string]string{KeySchemaVersion: strconv.Itoa(SchemaVersion)})
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// OnChange регистрирует обработчик, вызываемый после каждой записи
func (s *Store) OnChange(fn func(keys []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) notify(keys []string) {
	s.mu.RLock()
	hooks := append([]func([]string){}, s.hooks...)
	s.mu.RUnlock()

	for _, fn := range hooks {
		fn(keys)
	}
}

func (s *Store) setMany(values map[string]string) error {
	if err := s.backend.SetMany(values); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	s.notify(keys)
	return nil
}

func (s *Store) remove(keys ...string) error {
	if err := s.backend.Remove(keys...); err != nil {
		return err
	}
	s.notify(keys)
	return nil
}

// GetString читает сырое значение ключа
func (s *Store) GetString(key string) (string, bool, error) {
	return s.backend.Get(key)
}

func (s *Store) Keys() ([]string, error) {
	return s.backend.Keys()
}

// readJSON декодирует значение ключа. false, если ключа нет.
func (s *Store) readJSON(key string, v any) (bool, error) {
	raw, ok, err := s.backend.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// readCache как readJSON, но битое значение считается отсутствующим
func (s *Store) readCache(key string, v any) (bool, error) {
	ok, err := s.readJSON(key, v)
	if err != nil {
		s.logger.Warn("ignoring corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return ok, nil
}

func (s *Store) writeJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.setMany(map[string]string{key: string(data)})
}

// SaveAuthSession записывает все ключи сессии одной операцией
func (s *Store) SaveAuthSession(a AuthSession) error {
	user, err := json.Marshal(a.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.setMany(map[string]string{
		KeyAuthToken:    a.Token,
		KeyRefreshToken: a.RefreshToken,
		KeyUserDetails:  string(user),
		KeyIsFirstLogin: strconv.FormatBool(a.IsFirstLogin),
		KeyUserName:     a.User.FullName(),
	})
}

// ClearAuth удаляет все ключи сессии атомарно
func (s *Store) ClearAuth() error {
	return s.remove(authKeys...)
}

func (s *Store) AuthToken() (string, error) {
	token, _, err := s.backend.Get(KeyAuthToken)
	return token, err
}

func (s *Store) RefreshToken() (string, error) {
	token, _, err := s.backend.Get(KeyRefreshToken)
	return token, err
}

func (s *Store) UserName() (string, error) {
	name, _, err := s.backend.Get(KeyUserName)
	return name, err
}

func (s *Store) IsFirstLogin() (bool, error) {
	raw, ok, err := s.backend.Get(KeyIsFirstLogin)
	if err != nil || !ok {
		return false, err
	}
	return raw == "true", nil
}

// UserDetails возвращает nil, если пользователь не вошёл
func (s *Store) UserDetails() (*models.UserDetails, error) {
	var user models.UserDetails
	ok, err := s.readJSON(KeyUserDetails, &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

func (s *Store) QualificationStatus() (*models.QualificationStatus, error) {
	var status models.QualificationStatus
	ok, err := s.readCache(KeyQualificationStatus, &status)
	if err != nil || !ok {
		return nil, err
	}
	return &status, nil
}

func (s *Store) SetQualificationStatus(status models.QualificationStatus) error {
	return s.writeJSON(KeyQualificationStatus, status)
}

// CachedQuestions возвращает вопросы, если они сохранены не раньше чем ttl назад
func (s *Store) CachedQuestions(ttl time.Duration, now time.Time) ([]models.Question, bool, error) {
	raw, ok, err := s.backend.Get(KeyAssessmentQuestionsTimestamp)
	if err != nil || !ok {
		return nil, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("ignoring corrupt questions timestamp", zap.String("value", raw))
		return nil, false, nil
	}
	if now.Sub(time.UnixMilli(ms)) > ttl {
		return nil, false, nil
	}

	var questions []models.Question
	ok, err = s.readCache(KeyAssessmentQuestions, &questions)
	if err != nil || !ok {
		return nil, false, err
	}
	return questions, true, nil
}

func (s *Store) SetCachedQuestions(questions []models.Question, now time.Time) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	return s.setMany(map[string]string{
		KeyAssessmentQuestions:          string(data),
		KeyAssessmentQuestionsTimestamp: strconv.FormatInt(now.UnixMilli(), 10),
	})
}

func (s *Store) ClearCachedQuestions() error {
	return s.remove(KeyAssessmentQuestions, KeyAssessmentQuestionsTimestamp)
}

func (s *Store) CachedAssessments() ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	_, err := s.readCache(KeyCachedAssessments, &entries)
	return entries, err
}

func (s *Store) SetCachedAssessments(entries []models.HistoryEntry) error {
	return s.writeJSON(KeyCachedAssessments, entries)
}

func (s *Store) VerificationStatus(userID string) (*models.VerificationStatus, error) {
	var status models.VerificationStatus
	ok, err := s.readCache(verificationStatusPrefix+userID, &status)
	if err != nil || !ok {
		return nil, err
	}
	return &status, nil
}

func (s *Store) SetVerificationStatus(userID string, status models.VerificationStatus) error {
	return s.writeJSON(verificationStatusPrefix+userID, status)
}
