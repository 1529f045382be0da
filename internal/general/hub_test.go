package general

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"carepro-cli/internal/api"
	"carepro-cli/internal/config"
	"carepro-cli/internal/models"
	"carepro-cli/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	status      *models.QualificationStatus
	statusErr   error
	questions   []models.Question
	fetches     int
	submitted   *api.GeneralSubmission
	result      *models.AssessmentResult
	submitErr   error
	afterSubmit *models.QualificationStatus
}

func (f *fakeAPI) GetQualificationStatus(context.Context, string) (*models.QualificationStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeAPI) GetGeneralQuestions(context.Context, string) ([]models.Question, error) {
	f.fetches++
	return f.questions, nil
}

func (f *fakeAPI) SubmitGeneralAssessment(_ context.Context, sub api.GeneralSubmission) (*models.AssessmentResult, error) {
	f.submitted = &sub
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.afterSubmit != nil {
		f.status = f.afterSubmit
	}
	return f.result, nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open("", "sqlite", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newHub(client *fakeAPI, store Store, now time.Time) *Hub {
	return NewHub(client, store, Options{
		Identity: func() (string, error) { return "cg-1", nil },
		Policy:   config.Default().General,
		Now:      func() time.Time { return now },
	})
}

func TestClassify_Precedence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		status    models.QualificationStatus
		want      Status
		canRetake bool
	}{
		{name: "qualified wins over completed", status: models.QualificationStatus{IsQualified: true, AssessmentCompleted: true}, want: StatusPassed},
		{name: "failed without cooldown", status: models.QualificationStatus{AssessmentCompleted: true}, want: StatusRetry, canRetake: true},
		{name: "failed cooldown elapsed", status: models.QualificationStatus{AssessmentCompleted: true, CanRetakeAfter: &past}, want: StatusRetry, canRetake: true},
		{name: "failed cooldown boundary", status: models.QualificationStatus{AssessmentCompleted: true, CanRetakeAfter: &now}, want: StatusRetry, canRetake: true},
		{name: "failed in cooldown", status: models.QualificationStatus{AssessmentCompleted: true, CanRetakeAfter: &future}, want: StatusRetry},
		{name: "never taken", status: models.QualificationStatus{}, want: StatusNotTaken, canRetake: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, canRetake := Classify(tt.status, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.canRetake, canRetake)
		})
	}
}

func TestLoad_ServerWinsAndIsStored(t *testing.T) {
	now := time.Now()
	store := newStore(t)
	localRetake := now.Add(48 * time.Hour)
	require.NoError(t, store.SetQualificationStatus(models.QualificationStatus{
		AssessmentCompleted: true,
		AttemptCount:        9,
		CanRetakeAfter:      &localRetake,
	}))

	client := &fakeAPI{status: &models.QualificationStatus{IsQualified: true, AssessmentCompleted: true, AttemptCount: 1, Score: 88}}
	view, err := newHub(client, store, now).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusPassed, view.Status)
	assert.False(t, view.Stale)
	assert.Equal(t, 1, view.Qualification.AttemptCount)
	assert.Nil(t, view.Qualification.CanRetakeAfter)

	stored, err := store.QualificationStatus()
	require.NoError(t, err)
	assert.True(t, stored.IsQualified)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestLoad_FallsBackToLocalCopy(t *testing.T) {
	now := time.Now()
	store := newStore(t)
	retake := now.Add(24 * time.Hour)
	require.NoError(t, store.SetQualificationStatus(models.QualificationStatus{
		AssessmentCompleted: true,
		AttemptCount:        3,
		CanRetakeAfter:      &retake,
	}))

	client := &fakeAPI{statusErr: errors.New("offline")}
	view, err := newHub(client, store, now).Load(context.Background())
	require.NoError(t, err)

	assert.True(t, view.Stale)
	assert.Equal(t, StatusRetry, view.Status)
	assert.False(t, view.CanRetake)
	assert.Contains(t, view.Guidance, "retake the assessment after")
}

func TestLoad_NoServerNoLocal(t *testing.T) {
	client := &fakeAPI{statusErr: errors.New("offline")}
	_, err := newHub(client, newStore(t), time.Now()).Load(context.Background())
	assert.Error(t, err)
}

func TestQuestions_MemoizedWithTTL(t *testing.T) {
	store := newStore(t)
	client := &fakeAPI{questions: []models.Question{{ID: "q1", Question: "?", Options: []string{"a", "b"}}}}
	now := time.Now()

	hub := newHub(client, store, now)
	_, err := hub.Questions(context.Background())
	require.NoError(t, err)
	_, err = hub.Questions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.fetches)

	later := newHub(client, store, now.Add(2*time.Hour))
	qs, err := later.Questions(context.Background())
	require.NoError(t, err)
	assert.Len(t, qs, 1)
	assert.Equal(t, 2, client.fetches)
}

func TestSubmit(t *testing.T) {
	store := newStore(t)
	client := &fakeAPI{
		questions:   []models.Question{{ID: "q1", Options: []string{"a", "b"}}, {ID: "q2", Options: []string{"c", "d"}}},
		result:      &models.AssessmentResult{Success: true, Passed: false, Score: 40},
		afterSubmit: &models.QualificationStatus{AssessmentCompleted: true, AttemptCount: 1},
	}
	hub := newHub(client, store, time.Now())

	_, _, err := hub.Submit(context.Background(), models.AnswerMap{"q1": "a"})
	assert.ErrorIs(t, err, ErrNoQuestions)

	_, err = hub.Questions(context.Background())
	require.NoError(t, err)

	_, _, err = hub.Submit(context.Background(), models.AnswerMap{"q1": "a"})
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Nil(t, client.submitted)

	result, view, err := hub.Submit(context.Background(), models.AnswerMap{"q1": "a", "q2": "d"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.NotNil(t, view)
	assert.Equal(t, StatusRetry, view.Status)
	assert.Equal(t, 1, view.Qualification.AttemptCount)

	require.NotNil(t, client.submitted)
	assert.Equal(t, "cg-1", client.submitted.CaregiverID)
	assert.Equal(t, models.RoleCaregiver, client.submitted.UserType)
	assert.Len(t, client.submitted.Answers, 2)

	_, cached, err := store.CachedQuestions(time.Hour, time.Now())
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestSubmit_ServerRejectsRetake(t *testing.T) {
	client := &fakeAPI{
		questions: []models.Question{{ID: "q1", Options: []string{"a"}}},
		submitErr: &api.APIError{StatusCode: http.StatusTooManyRequests, Message: "cooldown"},
	}
	hub := newHub(client, newStore(t), time.Now())
	_, err := hub.Questions(context.Background())
	require.NoError(t, err)

	_, _, err = hub.Submit(context.Background(), models.AnswerMap{"q1": "a"})
	assert.ErrorIs(t, err, ErrRetakeLater)
}
