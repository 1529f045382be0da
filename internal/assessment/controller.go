// Package assessment управляет жизненным циклом специализированной оценки:
// загрузка требований и истории, сессия с ограничением по времени,
// сбор ответов, отправка и разбор результата.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"carepro-cli/internal/api"
	"carepro-cli/internal/metrics"
	"carepro-cli/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Сообщения, которые видит пользователь
const (
	MsgNoAccount        = "Unable to identify your account"
	MsgNoSession        = "No active assessment session. Please start a new session."
	MsgSessionExpired   = "Your assessment session has expired. Please start a new session."
	MsgAlreadySubmitted = "This assessment session has already been submitted."
	MsgLoadFailed       = "Failed to load assessment data. Please try again."
	MsgStartFailed      = "Failed to start the assessment. Please try again."
	MsgSubmitFailed     = "Failed to submit the assessment. Please try again."
)

var (
	ErrNoSession       = errors.New("no active assessment session")
	ErrIncomplete      = errors.New("all questions must be answered on the last question before submitting")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrUnknownOption   = errors.New("option is not offered for this question")
	ErrClosed          = errors.New("controller is closed")
)

// API вызовы бэкенда, нужные контроллеру
type API interface {
	GetCategoryRequirements(ctx context.Context, category string) (*models.CategoryRequirements, error)
	GetAssessmentHistory(ctx context.Context, caregiverID, category string) ([]models.HistoryEntry, error)
	StartSpecializedAssessment(ctx context.Context, caregiverID, category string) (*models.AssessmentSession, error)
	SubmitSpecializedAssessment(ctx context.Context, sub api.SpecializedSubmission) (*models.AssessmentResult, error)
}

// IdentityFunc возвращает id текущей сиделки
type IdentityFunc func() (string, error)

// HistoryCache хранит последнюю известную историю попыток между запусками
type HistoryCache interface {
	CachedAssessments() ([]models.HistoryEntry, error)
	SetCachedAssessments(entries []models.HistoryEntry) error
}

type Options struct {
	Category     string
	Identity     IdentityFunc
	TickInterval time.Duration
	// History nil - история не кэшируется
	History HistoryCache
	Now     func() time.Time
	// OnComplete вызывается после успешной отправки, когда контроллер встроен в другой экран
	OnComplete func(models.AssessmentResult)
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type Controller struct {
	api        API
	category   string
	identity   IdentityFunc
	cache      HistoryCache
	tick       time.Duration
	now        func() time.Time
	onComplete func(models.AssessmentResult)
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu           sync.Mutex
	state        State
	requirements *models.CategoryRequirements
	history      []models.HistoryEntry
	session      *models.AssessmentSession
	answers      models.AnswerMap
	index        int
	remaining    int
	result       *models.AssessmentResult
	errMsg       string
	busy         bool
	closed       bool

	countdown   *countdown
	startCancel context.CancelFunc
	startGen    int

	subs   map[int]chan Snapshot
	nextID int
}

func NewController(client API, opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Identity == nil {
		opts.Identity = func() (string, error) { return "", errors.New(MsgNoAccount) }
	}

	return &Controller{
		api:        client,
		category:   opts.Category,
		identity:   opts.Identity,
		cache:      opts.History,
		tick:       opts.TickInterval,
		now:        opts.Now,
		onComplete: opts.OnComplete,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("assessment").With(zap.String("category", opts.Category)),
		state:      StateLoading,
		answers:    models.AnswerMap{},
		subs:       make(map[int]chan Snapshot),
	}
}

// Snapshot текущее состояние
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            c.state,
		Category:         c.category,
		Requirements:     c.requirements,
		History:          append([]models.HistoryEntry(nil), c.history...),
		CurrentIndex:     c.index,
		RemainingSeconds: c.remaining,
		Error:            c.errMsg,
		Busy:             c.busy,
		Answers:          make(models.AnswerMap, len(c.answers)),
	}
	for k, v := range c.answers {
		snap.Answers[k] = v
	}
	if c.session != nil {
		snap.SessionID = c.session.SessionID
		snap.ExpiresAt = c.session.ExpiresAt
		snap.Questions = c.session.Questions
	}
	if c.result != nil {
		result := *c.result
		snap.Result = &result
	}
	return snap
}

// Subscribe возвращает канал снимков. В канале всегда самый свежий снимок,
// промежуточные могут быть пропущены.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// setStateLocked выполняет переход по таблице
func (c *Controller) setStateLocked(to State) error {
	if c.state != to && !CanTransition(c.state, to) {
		return illegal(c.state, to)
	}
	c.logger.Debug("state", zap.String("from", string(c.state)), zap.String("to", string(to)))
	c.state = to
	if to != StateError {
		c.errMsg = ""
	}
	return nil
}

// failLocked переводит в error с сообщением. Переход в error разрешён из любого
// нетерминального состояния.
func (c *Controller) failLocked(msg string) {
	c.stopCountdownLocked()
	c.busy = false
	c.state = StateError
	c.errMsg = msg
	c.publishLocked()
}

// LoadInitialData загружает требования категории и историю параллельно.
// Если у последней попытки nextRetryDate в будущем, сразу переходит в cooldown.
func (c *Controller) LoadInitialData(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.setStateLocked(StateLoading); err != nil {
		c.mu.Unlock()
		return err
	}
	c.resetSessionLocked()
	c.result = nil
	c.busy = true
	c.publishLocked()
	c.mu.Unlock()

	caregiverID, err := c.identity()
	if err != nil {
		c.mu.Lock()
		c.failLocked(MsgNoAccount)
		c.mu.Unlock()
		return fmt.Errorf("resolve caregiver: %w", err)
	}

	var (
		requirements *models.CategoryRequirements
		history      []models.HistoryEntry
		historyErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		requirements, err = c.api.GetCategoryRequirements(gctx, c.category)
		if err != nil {
			return fmt.Errorf("requirements: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// ошибка истории не отменяет запрос требований: её может заменить кэш
		history, historyErr = c.api.GetAssessmentHistory(gctx, caregiverID, c.category)
		return nil
	})
	err = g.Wait()
	if err == nil {
		history, err = c.resolveHistory(history, historyErr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.busy = false

	if err != nil {
		c.logger.Warn("failed to load initial data", zap.Error(err))
		c.failLocked(MsgLoadFailed)
		return err
	}

	c.requirements = requirements
	c.history = history

	if latest, ok := latestEntry(history, c.category); ok && latest.NextRetryDate != nil && latest.NextRetryDate.After(c.now()) {
		retry := *latest.NextRetryDate
		c.result = &models.AssessmentResult{
			Passed:        latest.Passed,
			Score:         latest.Score,
			Threshold:     latest.Threshold,
			Cooldown:      true,
			CooldownUntil: &retry,
		}
		if c.result.Threshold == 0 && requirements != nil {
			c.result.Threshold = requirements.PassingScore
		}
		_ = c.setStateLocked(StateCooldown)
		c.publishLocked()
		return nil
	}

	_ = c.setStateLocked(StateIntro)
	c.publishLocked()
	return nil
}

// resolveHistory сохраняет свежую историю в кэш, а при ошибке сервера
// подставляет сохранённую копию категории
func (c *Controller) resolveHistory(fetched []models.HistoryEntry, fetchErr error) ([]models.HistoryEntry, error) {
	if c.cache == nil {
		if fetchErr != nil {
			return nil, fmt.Errorf("history: %w", fetchErr)
		}
		return fetched, nil
	}

	cached, err := c.cache.CachedAssessments()
	if err != nil {
		c.logger.Warn("failed to read cached history", zap.Error(err))
		cached = nil
	}

	if fetchErr != nil {
		own := filterCategory(cached, c.category)
		if cached == nil {
			return nil, fmt.Errorf("history: %w", fetchErr)
		}
		c.logger.Warn("history unavailable, using cached copy", zap.Error(fetchErr))
		return own, nil
	}

	merged := make([]models.HistoryEntry, 0, len(cached)+len(fetched))
	for _, h := range cached {
		if h.ServiceCategory != "" && h.ServiceCategory != c.category {
			merged = append(merged, h)
		}
	}
	for _, h := range fetched {
		if h.ServiceCategory == "" {
			h.ServiceCategory = c.category
		}
		merged = append(merged, h)
	}
	if err := c.cache.SetCachedAssessments(merged); err != nil {
		c.logger.Warn("failed to cache history", zap.Error(err))
	}
	return fetched, nil
}

func filterCategory(history []models.HistoryEntry, category string) []models.HistoryEntry {
	var out []models.HistoryEntry
	for _, h := range history {
		if h.ServiceCategory == category {
			out = append(out, h)
		}
	}
	return out
}

// latestEntry последняя по времени попытка в категории
func latestEntry(history []models.HistoryEntry, category string) (models.HistoryEntry, bool) {
	entries := make([]models.HistoryEntry, 0, len(history))
	for _, h := range history {
		if h.ServiceCategory == "" || h.ServiceCategory == category {
			entries = append(entries, h)
		}
	}
	if len(entries) == 0 {
		return models.HistoryEntry{}, false
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CompletedAt.After(entries[j].CompletedAt)
	})
	return entries[0], true
}

// HandleStartQuiz открывает сессию на сервере и переходит к вопросам.
// Повторный вызов отменяет ещё не завершённый предыдущий запрос.
func (c *Controller) HandleStartQuiz(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIntro {
		err := illegal(c.state, StateQuiz)
		c.mu.Unlock()
		return err
	}

	caregiverID, err := c.identity()
	if err != nil || caregiverID == "" {
		c.failLocked(MsgNoAccount)
		c.mu.Unlock()
		if err == nil {
			err = errors.New(MsgNoAccount)
		}
		return fmt.Errorf("resolve caregiver: %w", err)
	}

	if c.startCancel != nil {
		c.startCancel()
	}
	startCtx, cancel := context.WithCancel(ctx)
	c.startCancel = cancel
	c.startGen++
	gen := c.startGen
	c.busy = true
	c.publishLocked()
	c.mu.Unlock()

	session, err := c.api.StartSpecializedAssessment(startCtx, caregiverID, c.category)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.startGen {
		// запрос вытеснен более новым вызовом
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	c.startCancel = nil
	cancel()
	c.busy = false

	if c.closed {
		return ErrClosed
	}
	if c.state != StateIntro {
		return illegal(c.state, StateQuiz)
	}
	if err != nil {
		c.logger.Warn("failed to start assessment", zap.Error(err))
		c.failLocked(MsgStartFailed)
		return err
	}
	if session.SessionID == "" || len(session.Questions) == 0 {
		c.failLocked(MsgStartFailed)
		return fmt.Errorf("server returned an empty session")
	}

	c.session = session
	c.answers = models.AnswerMap{}
	c.index = 0
	c.remaining = 0
	if session.ExpiresAt != nil {
		c.startCountdownLocked(*session.ExpiresAt)
	}
	_ = c.setStateLocked(StateQuiz)
	c.metrics.IncrementAssessmentsStarted()
	c.logger.Info("assessment session started",
		zap.String("session_id", session.SessionID),
		zap.Int("questions", len(session.Questions)))
	c.publishLocked()
	return nil
}

// SelectAnswer запоминает ответ на вопрос, повторный выбор перезаписывает прежний
func (c *Controller) SelectAnswer(questionID, option string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.questionLocked(questionID)
	if err != nil {
		return err
	}
	offered := false
	for _, o := range q.Options {
		if o == option {
			offered = true
			break
		}
	}
	if !offered {
		return fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}

	c.answers[questionID] = option
	c.publishLocked()
	return nil
}

// ClearAnswer снимает ответ с вопроса
func (c *Controller) ClearAnswer(questionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.questionLocked(questionID); err != nil {
		return err
	}
	delete(c.answers, questionID)
	c.publishLocked()
	return nil
}

func (c *Controller) questionLocked(questionID string) (models.Question, error) {
	if c.state != StateQuiz || c.session == nil {
		return models.Question{}, ErrNoSession
	}
	for _, q := range c.session.Questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return models.Question{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
}

// GoNext и GoPrev двигают индекс в пределах [0, len-1] без перехода по кругу
func (c *Controller) GoNext() int {
	return c.move(1)
}

func (c *Controller) GoPrev() int {
	return c.move(-1)
}

func (c *Controller) move(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateQuiz || c.session == nil {
		return c.index
	}
	next := c.index + delta
	if next < 0 {
		next = 0
	}
	if last := len(c.session.Questions) - 1; next > last {
		next = last
	}
	if next != c.index {
		c.index = next
		c.publishLocked()
	}
	return c.index
}

// HandleSubmit отправляет ответы. Таймер останавливается до запроса:
// гонку с истечением сессии решает сервер.
func (c *Controller) HandleSubmit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateQuiz {
		err := illegal(c.state, StateSubmitting)
		c.mu.Unlock()
		return err
	}

	caregiverID, err := c.identity()
	if err != nil || caregiverID == "" {
		c.failLocked(MsgNoAccount)
		c.mu.Unlock()
		if err == nil {
			err = errors.New(MsgNoAccount)
		}
		return fmt.Errorf("resolve caregiver: %w", err)
	}
	if c.session == nil || c.session.SessionID == "" {
		c.failLocked(MsgNoSession)
		c.mu.Unlock()
		return ErrNoSession
	}
	if !c.snapshotLocked().CanSubmit() {
		c.mu.Unlock()
		return ErrIncomplete
	}

	c.stopCountdownLocked()
	sub := api.SpecializedSubmission{
		CaregiverID:     caregiverID,
		SessionID:       c.session.SessionID,
		ServiceCategory: c.category,
		Answers:         c.answers.Submissions(c.session.Questions),
	}
	_ = c.setStateLocked(StateSubmitting)
	c.busy = true
	c.publishLocked()
	c.mu.Unlock()

	result, err := c.api.SubmitSpecializedAssessment(ctx, sub)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.busy = false

	if errors.Is(err, api.ErrRateLimited) {
		// запрос не ушёл на сервер, сессия ещё действительна
		_ = c.setStateLocked(StateQuiz)
		if c.session.ExpiresAt != nil {
			c.startCountdownLocked(*c.session.ExpiresAt)
		}
		c.publishLocked()
		c.mu.Unlock()
		return err
	}

	// сессия использована при любом исходе
	c.session.SessionID = ""
	c.session.ExpiresAt = nil

	switch {
	case err != nil:
		c.logger.Warn("failed to submit assessment", zap.Error(err))
		c.failLocked(MsgSubmitFailed)
		c.mu.Unlock()
		return err
	case result.SessionExpired:
		c.metrics.IncrementSessionsExpired()
		c.failLocked(MsgSessionExpired)
		c.mu.Unlock()
		return nil
	case result.SessionAlreadySubmitted:
		c.failLocked(MsgAlreadySubmitted)
		c.mu.Unlock()
		return nil
	case result.Cooldown:
		c.result = result
		_ = c.setStateLocked(StateCooldown)
		c.metrics.IncrementAssessmentsSubmitted(false)
		c.publishLocked()
		c.mu.Unlock()
		return nil
	}

	if result.Threshold == 0 && c.requirements != nil {
		result.Threshold = c.requirements.PassingScore
	}
	c.result = result
	_ = c.setStateLocked(StateResult)
	c.metrics.IncrementAssessmentsSubmitted(result.Passed)
	c.logger.Info("assessment submitted", zap.Bool("passed", result.Passed), zap.Float64("score", result.Score))
	c.publishLocked()
	onComplete := c.onComplete
	final := *result
	c.mu.Unlock()

	if onComplete != nil {
		onComplete(final)
	}
	return nil
}

// Retry повторяет загрузку из состояния error
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateError {
		return illegal(state, StateLoading)
	}
	return c.LoadInitialData(ctx)
}

// BackToIntro возвращает к вступлению из конечного состояния или из вопросов.
// Сессия при этом теряется.
func (c *Controller) BackToIntro() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setStateLocked(StateIntro); err != nil {
		return err
	}
	c.resetSessionLocked()
	c.publishLocked()
	return nil
}

func (c *Controller) resetSessionLocked() {
	c.stopCountdownLocked()
	if c.startCancel != nil {
		c.startCancel()
		c.startCancel = nil
		c.startGen++
	}
	c.session = nil
	c.answers = models.AnswerMap{}
	c.index = 0
	c.remaining = 0
}

// Close останавливает таймер, отменяет запросы и закрывает подписки
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cd := c.countdown
	c.stopCountdownLocked()
	if c.startCancel != nil {
		c.startCancel()
		c.startCancel = nil
	}
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if cd != nil {
		<-cd.done
	}
}
