// Package general ведёт общую квалификационную оценку: статус, вопросы и отправку.
// Статус и счётчик попыток принадлежат серверу, локальная копия служит только
// запасным вариантом при недоступном API.
package general

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"carepro-cli/internal/api"
	"carepro-cli/internal/config"
	"carepro-cli/internal/metrics"
	"carepro-cli/internal/models"

	"go.uber.org/zap"
)

// Status ветка экрана общей оценки
type Status string

const (
	StatusPassed   Status = "passed"
	StatusRetry    Status = "retry"
	StatusNotTaken Status = "not-taken"
)

var (
	ErrNoQuestions = errors.New("no questions loaded")
	ErrIncomplete  = errors.New("please answer all questions before submitting")
	ErrRetakeLater = errors.New("retake is not available yet")
)

type API interface {
	GetQualificationStatus(ctx context.Context, caregiverID string) (*models.QualificationStatus, error)
	GetGeneralQuestions(ctx context.Context, userType string) ([]models.Question, error)
	SubmitGeneralAssessment(ctx context.Context, sub api.GeneralSubmission) (*models.AssessmentResult, error)
}

// Store локальная копия статуса и кеш вопросов
type Store interface {
	QualificationStatus() (*models.QualificationStatus, error)
	SetQualificationStatus(status models.QualificationStatus) error
	CachedQuestions(ttl time.Duration, now time.Time) ([]models.Question, bool, error)
	SetCachedQuestions(questions []models.Question, now time.Time) error
	ClearCachedQuestions() error
}

// View то, что показывает экран
type View struct {
	Status        Status
	Qualification models.QualificationStatus
	CanRetake     bool
	// Stale: сервер недоступен, показана локальная копия
	Stale    bool
	Guidance string
}

type Options struct {
	Identity func() (string, error)
	UserType string
	Policy   config.GeneralConfig
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Hub struct {
	api      API
	store    Store
	identity func() (string, error)
	userType string
	policy   config.GeneralConfig
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu        sync.Mutex
	questions []models.Question
}

func NewHub(client API, store Store, opts Options) *Hub {
	if opts.Identity == nil {
		opts.Identity = func() (string, error) { return "", errors.New("Unable to identify your account") }
	}
	if opts.UserType == "" {
		opts.UserType = models.RoleCaregiver
	}
	if opts.Policy.QuestionCacheTTL <= 0 {
		opts.Policy = config.Default().General
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		api:      client,
		store:    store,
		identity: opts.Identity,
		userType: opts.UserType,
		policy:   opts.Policy,
		now:      opts.Now,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("general"),
	}
}

// Classify порядок важен: сначала сдано, потом повтор, иначе не проходили
func Classify(q models.QualificationStatus, now time.Time) (Status, bool) {
	switch {
	case q.IsQualified:
		return StatusPassed, false
	case q.AssessmentCompleted:
		return StatusRetry, q.CanRetakeAfter == nil || !q.CanRetakeAfter.After(now)
	default:
		return StatusNotTaken, true
	}
}

// mergeStatus накладывает ответ сервера на локальную копию, сервер побеждает.
// Даты из локальной копии остаются, только если сервер их не прислал.
func mergeStatus(server models.QualificationStatus, local *models.QualificationStatus) models.QualificationStatus {
	merged := server
	if local == nil {
		return merged
	}
	if merged.CanRetakeAfter == nil && merged.AssessmentCompleted && !merged.IsQualified {
		merged.CanRetakeAfter = local.CanRetakeAfter
	}
	if merged.LastAttemptAt == nil {
		merged.LastAttemptAt = local.LastAttemptAt
	}
	return merged
}

// Load читает статус с сервера; при ошибке берёт локальную копию и помечает вид устаревшим
func (h *Hub) Load(ctx context.Context) (*View, error) {
	caregiverID, err := h.identity()
	if err != nil {
		return nil, err
	}

	local, err := h.store.QualificationStatus()
	if err != nil {
		h.logger.Warn("failed to read local qualification status", zap.Error(err))
	}

	server, err := h.api.GetQualificationStatus(ctx, caregiverID)
	if err != nil {
		if local == nil {
			return nil, fmt.Errorf("load qualification status: %w", err)
		}
		h.logger.Warn("qualification status unavailable, using local copy", zap.Error(err))
		return h.view(*local, true), nil
	}

	merged := mergeStatus(*server, local)
	if err := h.store.SetQualificationStatus(merged); err != nil {
		h.logger.Warn("failed to store qualification status", zap.Error(err))
	}
	return h.view(merged, false), nil
}

func (h *Hub) view(q models.QualificationStatus, stale bool) *View {
	status, canRetake := Classify(q, h.now())
	return &View{
		Status:        status,
		Qualification: q,
		CanRetake:     canRetake,
		Stale:         stale,
		Guidance:      h.guidance(status, q, canRetake),
	}
}

func (h *Hub) guidance(status Status, q models.QualificationStatus, canRetake bool) string {
	switch status {
	case StatusPassed:
		return fmt.Sprintf("You passed the qualification assessment with %.0f%%.", q.Score)
	case StatusRetry:
		if !canRetake && q.CanRetakeAfter != nil {
			return fmt.Sprintf("You can retake the assessment after %s.", q.CanRetakeAfter.Local().Format("Jan 2, 2006 15:04"))
		}
		return fmt.Sprintf("Attempt %d of %d used. After %d failed attempts the assessment is locked for %d days.",
			q.AttemptCount, h.policy.MaxAttempts, h.policy.MaxAttempts, h.policy.CooldownDays)
	default:
		return "Complete the qualification assessment to start receiving gigs."
	}
}

// Questions отдаёт вопросы из кеша, если он свежий, иначе запрашивает и кеширует
func (h *Hub) Questions(ctx context.Context) ([]models.Question, error) {
	now := h.now()
	cached, ok, err := h.store.CachedQuestions(h.policy.QuestionCacheTTL, now)
	if err != nil {
		h.logger.Warn("failed to read cached questions", zap.Error(err))
	}
	if ok && len(cached) > 0 {
		h.setQuestions(cached)
		return cached, nil
	}

	questions, err := h.api.GetGeneralQuestions(ctx, h.userType)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	if err := h.store.SetCachedQuestions(questions, now); err != nil {
		h.logger.Warn("failed to cache questions", zap.Error(err))
	}
	h.setQuestions(questions)
	return questions, nil
}

func (h *Hub) setQuestions(qs []models.Question) {
	h.mu.Lock()
	h.questions = qs
	h.mu.Unlock()
}

// Submit отправляет ответы и перечитывает статус с сервера.
// Попытки и блокировка считаются только на сервере.
func (h *Hub) Submit(ctx context.Context, answers models.AnswerMap) (*models.AssessmentResult, *View, error) {
	h.mu.Lock()
	questions := h.questions
	h.mu.Unlock()
	if len(questions) == 0 {
		return nil, nil, ErrNoQuestions
	}
	for _, q := range questions {
		if _, ok := answers[q.ID]; !ok {
			return nil, nil, ErrIncomplete
		}
	}

	caregiverID, err := h.identity()
	if err != nil {
		return nil, nil, err
	}

	h.metrics.IncrementAssessmentsStarted()
	result, err := h.api.SubmitGeneralAssessment(ctx, api.GeneralSubmission{
		CaregiverID: caregiverID,
		UserType:    h.userType,
		Answers:     answers.Submissions(questions),
	})
	if err != nil {
		if api.IsStatus(err, http.StatusTooManyRequests) || api.IsStatus(err, http.StatusForbidden) {
			return nil, nil, fmt.Errorf("%w: %v", ErrRetakeLater, err)
		}
		return nil, nil, fmt.Errorf("submit assessment: %w", err)
	}
	h.metrics.IncrementAssessmentsSubmitted(result.Passed)

	if err := h.store.ClearCachedQuestions(); err != nil {
		h.logger.Warn("failed to clear cached questions", zap.Error(err))
	}

	view, err := h.Load(ctx)
	if err != nil {
		h.logger.Warn("failed to refresh status after submit", zap.Error(err))
		return result, nil, nil
	}
	return result, view, nil
}
