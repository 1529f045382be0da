package assessment

import (
	"time"

	"carepro-cli/internal/models"
)

// Snapshot неизменяемая копия состояния контроллера для отрисовки
type Snapshot struct {
	State            State
	Category         string
	Requirements     *models.CategoryRequirements
	History          []models.HistoryEntry
	SessionID        string
	ExpiresAt        *time.Time
	RemainingSeconds int
	Questions        []models.Question
	Answers          models.AnswerMap
	CurrentIndex     int
	Result           *models.AssessmentResult
	Error            string
	Busy             bool
}

func (s Snapshot) TotalQuestions() int {
	return len(s.Questions)
}

// AnsweredCount считает только ответы на вопросы текущей сессии
func (s Snapshot) AnsweredCount() int {
	n := 0
	for _, q := range s.Questions {
		if _, ok := s.Answers[q.ID]; ok {
			n++
		}
	}
	return n
}

func (s Snapshot) IsLastQuestion() bool {
	return len(s.Questions) > 0 && s.CurrentIndex == len(s.Questions)-1
}

// CanSubmit: последний вопрос и ответы на все вопросы
func (s Snapshot) CanSubmit() bool {
	return s.State == StateQuiz && s.IsLastQuestion() && s.AnsweredCount() == s.TotalQuestions()
}

func (s Snapshot) CurrentQuestion() (models.Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return models.Question{}, false
	}
	return s.Questions[s.CurrentIndex], true
}

// PassingScore порог из результата, иначе из требований категории
func (s Snapshot) PassingScore() float64 {
	if s.Result != nil && s.Result.Threshold > 0 {
		return s.Result.Threshold
	}
	if s.Requirements != nil {
		return s.Requirements.PassingScore
	}
	return 0
}
