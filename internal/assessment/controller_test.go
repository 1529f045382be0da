package assessment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"carepro-cli/internal/api"
	"carepro-cli/internal/models"
	"carepro-cli/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeAPI struct {
	mu           sync.Mutex
	requirements *models.CategoryRequirements
	history      []models.HistoryEntry
	loadErr      error
	historyErr   error
	start        func(ctx context.Context) (*models.AssessmentSession, error)
	submit       func(sub api.SpecializedSubmission) (*models.AssessmentResult, error)
	submitted    []api.SpecializedSubmission
}

func (f *fakeAPI) GetCategoryRequirements(ctx context.Context, category string) (*models.CategoryRequirements, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.requirements, nil
}

func (f *fakeAPI) GetAssessmentHistory(ctx context.Context, caregiverID, category string) ([]models.HistoryEntry, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeAPI) StartSpecializedAssessment(ctx context.Context, caregiverID, category string) (*models.AssessmentSession, error) {
	return f.start(ctx)
}

func (f *fakeAPI) SubmitSpecializedAssessment(ctx context.Context, sub api.SpecializedSubmission) (*models.AssessmentResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, sub)
	f.mu.Unlock()
	return f.submit(sub)
}

func questions(n int) []models.Question {
	qs := make([]models.Question, n)
	for i := range qs {
		qs[i] = models.Question{
			ID:       string(rune('a' + i)),
			Question: "Question?",
			Options:  []string{"yes", "no"},
		}
	}
	return qs
}

func newFake(n int, expiresAt *time.Time) *fakeAPI {
	return &fakeAPI{
		requirements: &models.CategoryRequirements{ServiceCategory: "MedicalSupport", PassingScore: 75, CooldownHours: 48},
		start: func(ctx context.Context) (*models.AssessmentSession, error) {
			return &models.AssessmentSession{SessionID: "sess-1", ServiceCategory: "MedicalSupport", ExpiresAt: expiresAt, Questions: questions(n)}, nil
		},
	}
}

func caregiver() (string, error) { return "cg-1", nil }

func newController(t *testing.T, fake *fakeAPI, opts Options) *Controller {
	t.Helper()
	opts.Category = "MedicalSupport"
	if opts.Identity == nil {
		opts.Identity = caregiver
	}
	c := NewController(fake, opts)
	t.Cleanup(c.Close)
	return c
}

func startQuiz(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.LoadInitialData(ctx))
	require.Equal(t, StateIntro, c.Snapshot().State)
	require.NoError(t, c.HandleStartQuiz(ctx))
	require.Equal(t, StateQuiz, c.Snapshot().State)
}

func answerAll(t *testing.T, c *Controller) {
	t.Helper()
	for _, q := range c.Snapshot().Questions {
		require.NoError(t, c.SelectAnswer(q.ID, "yes"))
		c.GoNext()
	}
}

func TestNavigationStaysInBounds(t *testing.T) {
	c := newController(t, newFake(5, nil), Options{})
	startQuiz(t, c)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		var idx int
		if rng.Intn(2) == 0 {
			idx = c.GoNext()
		} else {
			idx = c.GoPrev()
		}
		require.GreaterOrEqual(t, idx, 0)
		require.LessOrEqual(t, idx, 4)
		require.Equal(t, idx, c.Snapshot().CurrentIndex)
	}

	for i := 0; i < 10; i++ {
		c.GoPrev()
	}
	assert.Equal(t, 0, c.Snapshot().CurrentIndex)
	for i := 0; i < 10; i++ {
		c.GoNext()
	}
	assert.Equal(t, 4, c.Snapshot().CurrentIndex)
}

func TestAnsweredCountAndSubmitGate(t *testing.T) {
	c := newController(t, newFake(3, nil), Options{})
	startQuiz(t, c)

	require.NoError(t, c.SelectAnswer("a", "yes"))
	assert.Equal(t, 1, c.Snapshot().AnsweredCount())

	// перевыбор того же вопроса не меняет счётчик
	require.NoError(t, c.SelectAnswer("a", "no"))
	assert.Equal(t, 1, c.Snapshot().AnsweredCount())
	assert.Equal(t, "no", c.Snapshot().Answers["a"])

	require.NoError(t, c.SelectAnswer("b", "yes"))
	assert.Equal(t, 2, c.Snapshot().AnsweredCount())
	require.NoError(t, c.ClearAnswer("b"))
	assert.Equal(t, 1, c.Snapshot().AnsweredCount())

	assert.ErrorIs(t, c.SelectAnswer("zzz", "yes"), ErrUnknownQuestion)
	assert.ErrorIs(t, c.SelectAnswer("a", "maybe"), ErrUnknownOption)

	require.NoError(t, c.SelectAnswer("b", "yes"))
	require.NoError(t, c.SelectAnswer("c", "yes"))
	assert.False(t, c.Snapshot().CanSubmit(), "submit only from the last question")
	assert.ErrorIs(t, c.HandleSubmit(context.Background()), ErrIncomplete)

	c.GoNext()
	c.GoNext()
	assert.True(t, c.Snapshot().CanSubmit())

	require.NoError(t, c.ClearAnswer("a"))
	assert.False(t, c.Snapshot().CanSubmit())
}

func TestCountdownExpiresSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	expiresAt := time.Now().Add(300 * time.Millisecond)
	c := NewController(newFake(2, &expiresAt), Options{
		Category:     "MedicalSupport",
		Identity:     caregiver,
		TickInterval: 10 * time.Millisecond,
	})
	defer c.Close()
	startQuiz(t, c)
	assert.Equal(t, 1, c.Snapshot().RemainingSeconds)

	require.Eventually(t, func() bool {
		return c.Snapshot().State == StateError
	}, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, MsgSessionExpired, snap.Error)
	assert.Equal(t, 0, snap.RemainingSeconds)

	c.mu.Lock()
	assert.Nil(t, c.countdown)
	c.mu.Unlock()

	// тиков после истечения нет: состояние не меняется
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, snap.Error, c.Snapshot().Error)
	assert.Equal(t, StateError, c.Snapshot().State)
}

func TestSubmitOutcomes(t *testing.T) {
	until := time.Now().Add(48 * time.Hour)
	tests := []struct {
		name    string
		result  *models.AssessmentResult
		err     error
		state   State
		message string
	}{
		{"cooldown", &models.AssessmentResult{Cooldown: true, Score: 50, Threshold: 75, CooldownUntil: &until}, nil, StateCooldown, ""},
		{"session expired", &models.AssessmentResult{SessionExpired: true}, nil, StateError, MsgSessionExpired},
		{"already submitted", &models.AssessmentResult{SessionAlreadySubmitted: true}, nil, StateError, MsgAlreadySubmitted},
		{"success", &models.AssessmentResult{Success: true, Passed: true, Score: 90}, nil, StateResult, ""},
		{"network", nil, errors.New("connection reset"), StateError, MsgSubmitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake(2, nil)
			fake.submit = func(api.SpecializedSubmission) (*models.AssessmentResult, error) { return tt.result, tt.err }
			c := newController(t, fake, Options{})
			startQuiz(t, c)
			answerAll(t, c)

			err := c.HandleSubmit(context.Background())
			if tt.err != nil {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			snap := c.Snapshot()
			assert.Equal(t, tt.state, snap.State)
			assert.Equal(t, tt.message, snap.Error)
			assert.Empty(t, snap.SessionID)
			if tt.state == StateCooldown {
				require.NotNil(t, snap.Result)
				assert.Equal(t, until, *snap.Result.CooldownUntil)
			}
		})
	}
}

func TestSubmitStopsCountdownBeforeCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	expiresAt := time.Now().Add(time.Hour)
	fake := newFake(1, &expiresAt)
	var c *Controller
	fake.submit = func(api.SpecializedSubmission) (*models.AssessmentResult, error) {
		c.mu.Lock()
		running := c.countdown != nil
		c.mu.Unlock()
		assert.False(t, running, "countdown must be stopped before the network call")
		return &models.AssessmentResult{Success: true, Passed: true, Score: 100}, nil
	}
	c = NewController(fake, Options{Category: "MedicalSupport", Identity: caregiver, TickInterval: 5 * time.Millisecond})
	defer c.Close()

	startQuiz(t, c)
	answerAll(t, c)
	require.NoError(t, c.HandleSubmit(context.Background()))
	assert.Equal(t, StateResult, c.Snapshot().State)
}

func TestRateLimitedSubmitKeepsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	expiresAt := time.Now().Add(time.Hour)
	fake := newFake(2, &expiresAt)
	limited := true
	fake.submit = func(api.SpecializedSubmission) (*models.AssessmentResult, error) {
		if limited {
			return nil, api.ErrRateLimited
		}
		return &models.AssessmentResult{Success: true, Passed: true, Score: 90}, nil
	}
	c := NewController(fake, Options{Category: "MedicalSupport", Identity: caregiver, TickInterval: 5 * time.Millisecond})
	defer c.Close()

	startQuiz(t, c)
	answerAll(t, c)
	require.ErrorIs(t, c.HandleSubmit(context.Background()), api.ErrRateLimited)

	snap := c.Snapshot()
	assert.Equal(t, StateQuiz, snap.State)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Len(t, snap.Answers, 2)
	assert.Empty(t, snap.Error)
	c.mu.Lock()
	running := c.countdown != nil
	c.mu.Unlock()
	assert.True(t, running)

	limited = false
	require.NoError(t, c.HandleSubmit(context.Background()))
	assert.Equal(t, StateResult, c.Snapshot().State)
	require.Len(t, fake.submitted, 2)
	assert.Equal(t, "sess-1", fake.submitted[1].SessionID)
}

func TestLoadInitialDataGoesToCooldown(t *testing.T) {
	now := time.Now()
	retry := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)
	fake := newFake(2, nil)
	fake.history = []models.HistoryEntry{
		{ServiceCategory: "MedicalSupport", Score: 40, Threshold: 75, CompletedAt: now.Add(-72 * time.Hour), NextRetryDate: &past},
		{ServiceCategory: "MedicalSupport", Score: 60, Threshold: 75, CompletedAt: now.Add(-time.Hour), NextRetryDate: &retry},
	}
	c := newController(t, fake, Options{})

	for i := 0; i < 2; i++ {
		require.NoError(t, c.LoadInitialData(context.Background()))
		snap := c.Snapshot()
		require.Equal(t, StateCooldown, snap.State)
		assert.Equal(t, 60.0, snap.Result.Score)
		assert.Equal(t, 75.0, snap.Result.Threshold)
		assert.Equal(t, retry, *snap.Result.CooldownUntil)
	}

	assert.ErrorIs(t, c.HandleStartQuiz(context.Background()), ErrIllegalTransition)
}

func TestHistoryCacheCoversHistoryOutage(t *testing.T) {
	store, err := storage.Open("", "sqlite", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	retry := now.Add(24 * time.Hour)
	other := models.HistoryEntry{ServiceCategory: "PalliativeCare", Score: 90, Passed: true, CompletedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, store.SetCachedAssessments([]models.HistoryEntry{other}))

	fake := newFake(2, nil)
	fake.history = []models.HistoryEntry{
		{Score: 60, Threshold: 75, CompletedAt: now.Add(-time.Hour), NextRetryDate: &retry},
	}
	c := newController(t, fake, Options{History: store})
	require.NoError(t, c.LoadInitialData(context.Background()))
	require.Equal(t, StateCooldown, c.Snapshot().State)

	cached, err := store.CachedAssessments()
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "PalliativeCare", cached[0].ServiceCategory)
	assert.Equal(t, "MedicalSupport", cached[1].ServiceCategory)

	// сервер истории недоступен: cooldown определяется по кэшу
	fake.historyErr = errors.New("history down")
	fresh := newController(t, fake, Options{History: store})
	require.NoError(t, fresh.LoadInitialData(context.Background()))
	snap := fresh.Snapshot()
	require.Equal(t, StateCooldown, snap.State)
	assert.Equal(t, 60.0, snap.Result.Score)
	assert.True(t, retry.Equal(*snap.Result.CooldownUntil))
}

func TestHistoryOutageWithoutCacheFails(t *testing.T) {
	store, err := storage.Open("", "sqlite", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := newFake(2, nil)
	fake.historyErr = errors.New("history down")
	c := newController(t, fake, Options{History: store})
	require.Error(t, c.LoadInitialData(context.Background()))
	assert.Equal(t, StateError, c.Snapshot().State)
}

func TestPassingScenario(t *testing.T) {
	fake := newFake(4, nil)
	fake.submit = func(api.SpecializedSubmission) (*models.AssessmentResult, error) {
		return &models.AssessmentResult{Success: true, Passed: true, Score: 80}, nil
	}

	var completed []models.AssessmentResult
	c := newController(t, fake, Options{OnComplete: func(r models.AssessmentResult) { completed = append(completed, r) }})
	startQuiz(t, c)
	answerAll(t, c)
	require.NoError(t, c.HandleSubmit(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateResult, snap.State)
	assert.True(t, snap.Result.Passed)
	assert.Equal(t, 80.0, snap.Result.Score)
	assert.Equal(t, 75.0, snap.PassingScore())
	require.Len(t, completed, 1)
	assert.Equal(t, 80.0, completed[0].Score)

	require.Len(t, fake.submitted, 1)
	assert.Equal(t, "cg-1", fake.submitted[0].CaregiverID)
	assert.Equal(t, "sess-1", fake.submitted[0].SessionID)
	assert.Len(t, fake.submitted[0].Answers, 4)
}

func TestFailingScenarioWithoutCooldownFlag(t *testing.T) {
	until := time.Now().Add(48 * time.Hour)
	fake := newFake(2, nil)
	fake.submit = func(api.SpecializedSubmission) (*models.AssessmentResult, error) {
		return &models.AssessmentResult{Success: true, Passed: false, Score: 60, Threshold: 75, CooldownUntil: &until}, nil
	}
	c := newController(t, fake, Options{})
	startQuiz(t, c)
	answerAll(t, c)
	require.NoError(t, c.HandleSubmit(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateResult, snap.State)
	assert.False(t, snap.Result.Passed)
	assert.NotNil(t, snap.Result.CooldownUntil)
}

func TestMissingCaregiver(t *testing.T) {
	identity := func() (string, error) { return "", errors.New("no user") }
	c := newController(t, newFake(2, nil), Options{Identity: identity})

	assert.Error(t, c.LoadInitialData(context.Background()))
	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, MsgNoAccount, snap.Error)
}

func TestStartWithoutCaregiverFails(t *testing.T) {
	calls := 0
	identity := func() (string, error) {
		calls++
		if calls == 1 {
			return "cg-1", nil
		}
		return "", nil
	}
	c := newController(t, newFake(2, nil), Options{Identity: identity})
	require.NoError(t, c.LoadInitialData(context.Background()))

	assert.Error(t, c.HandleStartQuiz(context.Background()))
	assert.Equal(t, MsgNoAccount, c.Snapshot().Error)
}

func TestLoadFailureAndRetry(t *testing.T) {
	fake := newFake(2, nil)
	fake.loadErr = errors.New("503")
	c := newController(t, fake, Options{})

	assert.Error(t, c.LoadInitialData(context.Background()))
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Equal(t, MsgLoadFailed, c.Snapshot().Error)

	fake.loadErr = nil
	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, StateIntro, c.Snapshot().State)
	assert.Empty(t, c.Snapshot().Error)

	assert.ErrorIs(t, c.Retry(context.Background()), ErrIllegalTransition)
}

func TestNewStartCancelsInFlightStart(t *testing.T) {
	fake := newFake(2, nil)
	firstStarted := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fake.start = func(ctx context.Context) (*models.AssessmentSession, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(firstStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &models.AssessmentSession{SessionID: "sess-2", Questions: questions(2)}, nil
	}
	c := newController(t, fake, Options{})
	require.NoError(t, c.LoadInitialData(context.Background()))

	firstErr := make(chan error, 1)
	go func() { firstErr <- c.HandleStartQuiz(context.Background()) }()
	<-firstStarted

	require.NoError(t, c.HandleStartQuiz(context.Background()))
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	snap := c.Snapshot()
	assert.Equal(t, StateQuiz, snap.State)
	assert.Equal(t, "sess-2", snap.SessionID)
}

func TestBackToIntroResetsSession(t *testing.T) {
	c := newController(t, newFake(2, nil), Options{})
	startQuiz(t, c)
	require.NoError(t, c.SelectAnswer("a", "yes"))

	require.NoError(t, c.BackToIntro())
	snap := c.Snapshot()
	assert.Equal(t, StateIntro, snap.State)
	assert.Empty(t, snap.Answers)
	assert.Empty(t, snap.Questions)
	assert.ErrorIs(t, c.SelectAnswer("a", "yes"), ErrNoSession)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	c := newController(t, newFake(2, nil), Options{})
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	assert.Equal(t, StateLoading, (<-ch).State)

	require.NoError(t, c.LoadInitialData(context.Background()))
	assert.Equal(t, StateIntro, (<-ch).State)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateLoading, StateCooldown))
	assert.True(t, CanTransition(StateSubmitting, StateResult))
	assert.True(t, CanTransition(StateSubmitting, StateQuiz))
	assert.False(t, CanTransition(StateIntro, StateResult))
	assert.False(t, CanTransition(StateResult, StateQuiz))
	assert.True(t, StateCooldown.Terminal())
	assert.False(t, StateQuiz.Terminal())
}
