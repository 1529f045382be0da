package assessment

import (
	"errors"
	"fmt"
)

// State состояние контроллера специализированной оценки
type State string

const (
	StateLoading    State = "loading"
	StateIntro      State = "intro"
	StateQuiz       State = "quiz"
	StateSubmitting State = "submitting"
	StateResult     State = "result"
	StateCooldown   State = "cooldown"
	StateError      State = "error"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// transitions допустимые переходы. Всё остальное - ошибка.
var transitions = map[State][]State{
	StateLoading:    {StateIntro, StateCooldown, StateError},
	StateIntro:      {StateQuiz, StateLoading, StateError},
	StateQuiz:       {StateSubmitting, StateIntro, StateError},
	StateSubmitting: {StateResult, StateCooldown, StateError, StateQuiz},
	StateResult:     {StateIntro, StateLoading},
	StateCooldown:   {StateIntro, StateLoading},
	StateError:      {StateIntro, StateLoading},
}

// CanTransition сообщает, разрешён ли переход from -> to
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateResult || s == StateCooldown || s == StateError
}

func illegal(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
