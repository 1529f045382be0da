// Package tui экран специализированной оценки на bubbletea. Вся логика живёт
// в контроллере, модель только рисует его снимки и передаёт нажатия.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carepro-cli/internal/assessment"

	tea "github.com/charmbracelet/bubbletea"
)

// Session часть контроллера оценки, которой пользуется экран
type Session interface {
	Snapshot() assessment.Snapshot
	Subscribe() (<-chan assessment.Snapshot, func())
	LoadInitialData(ctx context.Context) error
	HandleStartQuiz(ctx context.Context) error
	SelectAnswer(questionID, option string) error
	GoNext() int
	GoPrev() int
	HandleSubmit(ctx context.Context) error
	Retry(ctx context.Context) error
	BackToIntro() error
}

type snapshotMsg assessment.Snapshot

type actionDoneMsg struct{ err error }

type QuizModel struct {
	session     Session
	ctx         context.Context
	title       string
	updates     <-chan assessment.Snapshot
	unsubscribe func()
	styles      Styles

	snap   assessment.Snapshot
	cursor int
	notice string
	width  int
}

// NewQuizModel title - человекочитаемое имя категории
func NewQuizModel(ctx context.Context, session Session, title string) QuizModel {
	updates, unsubscribe := session.Subscribe()
	return QuizModel{
		session:     session,
		ctx:         ctx,
		title:       title,
		updates:     updates,
		unsubscribe: unsubscribe,
		styles:      DefaultStyles(),
		snap:        session.Snapshot(),
	}
}

// Close отписывает модель от контроллера
func (m QuizModel) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m QuizModel) Init() tea.Cmd {
	return tea.Batch(m.waitForSnapshot(), m.action(m.session.LoadInitialData))
}

func (m QuizModel) waitForSnapshot() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func (m QuizModel) action(fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{err: fn(ctx)}
	}
}

func (m QuizModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		prevIndex, prevState := m.snap.CurrentIndex, m.snap.State
		m.snap = assessment.Snapshot(msg)
		if m.snap.CurrentIndex != prevIndex || m.snap.State != prevState {
			m.cursor = m.selectedOption()
		}
		return m, m.waitForSnapshot()

	case actionDoneMsg:
		m.notice = ""
		if msg.err != nil && m.snap.Error == "" {
			m.notice = msg.err.Error()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m QuizModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" || key == "q" || key == "esc" {
		return m, tea.Quit
	}
	if m.snap.Busy {
		return m, nil
	}

	switch m.snap.State {
	case assessment.StateIntro:
		if key == "enter" || key == "s" {
			return m, m.action(m.session.HandleStartQuiz)
		}

	case assessment.StateQuiz:
		return m.handleQuizKey(key)

	case assessment.StateError:
		if key == "r" || key == "enter" {
			return m, m.action(m.session.Retry)
		}

	case assessment.StateResult, assessment.StateCooldown:
		if key == "b" || key == "enter" {
			if err := m.session.BackToIntro(); err != nil {
				m.notice = err.Error()
			}
		}
	}
	return m, nil
}

func (m QuizModel) handleQuizKey(key string) (tea.Model, tea.Cmd) {
	q, ok := m.snap.CurrentQuestion()
	if !ok {
		return m, nil
	}

	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(q.Options)-1 {
			m.cursor++
		}
	case "enter", " ":
		m.choose(q.ID, q.Options, m.cursor)
	case "right", "l", "n":
		m.session.GoNext()
	case "left", "h", "p":
		m.session.GoPrev()
	case "ctrl+s", "S":
		if !m.snap.CanSubmit() {
			m.notice = fmt.Sprintf("Answer all questions before submitting (%d/%d).",
				m.snap.AnsweredCount(), m.snap.TotalQuestions())
			return m, nil
		}
		return m, m.action(m.session.HandleSubmit)
	default:
		if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
			m.choose(q.ID, q.Options, int(key[0]-'1'))
		}
	}
	return m, nil
}

func (m *QuizModel) choose(questionID string, options []string, idx int) {
	if idx < 0 || idx >= len(options) {
		return
	}
	m.cursor = idx
	if err := m.session.SelectAnswer(questionID, options[idx]); err != nil {
		m.notice = err.Error()
		return
	}
	m.notice = ""
}

func (m QuizModel) selectedOption() int {
	q, ok := m.snap.CurrentQuestion()
	if !ok {
		return 0
	}
	chosen := m.snap.Answers[q.ID]
	for i, opt := range q.Options {
		if opt == chosen {
			return i
		}
	}
	return 0
}

func (m QuizModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Header.Render(m.title + " Assessment"))
	sb.WriteString("\n\n")

	switch m.snap.State {
	case assessment.StateLoading:
		sb.WriteString(m.styles.Muted.Render("Loading assessment..."))
	case assessment.StateIntro:
		m.renderIntro(&sb)
	case assessment.StateQuiz:
		m.renderQuiz(&sb)
	case assessment.StateSubmitting:
		sb.WriteString(m.styles.Muted.Render("Submitting your answers..."))
	case assessment.StateResult:
		m.renderResult(&sb)
	case assessment.StateCooldown:
		m.renderCooldown(&sb)
	case assessment.StateError:
		sb.WriteString(m.styles.Error.Render(m.snap.Error))
		sb.WriteString("\n")
		sb.WriteString(m.styles.Footer.Render("r retry • q quit"))
	}

	if m.notice != "" {
		sb.WriteString("\n")
		sb.WriteString(m.styles.Warning.Render(m.notice))
	}
	sb.WriteString("\n")
	return sb.String()
}

func (m QuizModel) renderIntro(sb *strings.Builder) {
	if r := m.snap.Requirements; r != nil {
		sb.WriteString(m.styles.Title.Render("Before you begin"))
		sb.WriteString("\n")
		fmt.Fprintf(sb, "Questions:      %d\n", r.QuestionCount)
		fmt.Fprintf(sb, "Passing score:  %.0f%%\n", r.PassingScore)
		if r.TimeLimitMinutes > 0 {
			fmt.Fprintf(sb, "Time limit:     %d minutes\n", r.TimeLimitMinutes)
		}
		if len(r.RequiredCertificates) > 0 {
			fmt.Fprintf(sb, "Certificates:   %s\n", strings.Join(r.RequiredCertificates, ", "))
		}
	}
	if n := len(m.snap.History); n > 0 {
		fmt.Fprintf(sb, "\n%s\n", m.styles.Muted.Render(fmt.Sprintf("Previous attempts: %d", n)))
	}
	sb.WriteString(m.styles.Footer.Render("enter start • q quit"))
}

func (m QuizModel) renderQuiz(sb *strings.Builder) {
	q, ok := m.snap.CurrentQuestion()
	if !ok {
		return
	}

	progress := fmt.Sprintf("Question %d of %d • answered %d",
		m.snap.CurrentIndex+1, m.snap.TotalQuestions(), m.snap.AnsweredCount())
	sb.WriteString(m.styles.Muted.Render(progress))
	if m.snap.ExpiresAt != nil {
		sb.WriteString("   ")
		sb.WriteString(m.styles.Timer.Render("⏱ " + FormatRemaining(m.snap.RemainingSeconds)))
	}
	sb.WriteString("\n\n")
	sb.WriteString(m.styles.Title.Render(q.Question))
	sb.WriteString("\n")

	chosen := m.snap.Answers[q.ID]
	for i, opt := range q.Options {
		pointer := "  "
		if i == m.cursor {
			pointer = m.styles.Cursor.Render("> ")
		}
		line := fmt.Sprintf("%d. %s", i+1, opt)
		if opt == chosen {
			line = m.styles.Selected.Render(line + " ✓")
		}
		sb.WriteString(pointer + line + "\n")
	}

	help := "↑/↓ move • enter select • ←/→ navigate"
	if m.snap.IsLastQuestion() {
		help += " • ctrl+s submit"
	}
	sb.WriteString(m.styles.Footer.Render(help + " • q quit"))
}

func (m QuizModel) renderResult(sb *strings.Builder) {
	r := m.snap.Result
	if r == nil {
		return
	}
	if r.Passed {
		sb.WriteString(m.styles.Success.Render("Congratulations, you passed!"))
	} else {
		sb.WriteString(m.styles.Error.Render("Assessment Not Passed"))
	}
	fmt.Fprintf(sb, "\n\nScore: %.0f%% (passing score %.0f%%)\n", r.Score, m.snap.PassingScore())
	if r.Passed {
		sb.WriteString("\n" + m.styles.Title.Render("Create a Gig") + "\n")
		sb.WriteString("You are now qualified to offer these services to clients.\n")
	} else if r.CooldownUntil != nil {
		fmt.Fprintf(sb, "You can retake after %s\n", r.CooldownUntil.Local().Format(time.RFC1123))
	} else {
		sb.WriteString("Review the material and retake the assessment when you are ready.\n")
	}
	sb.WriteString(m.styles.Footer.Render("b back • q quit"))
}

func (m QuizModel) renderCooldown(sb *strings.Builder) {
	sb.WriteString(m.styles.Warning.Render("Assessment on cooldown"))
	sb.WriteString("\n\n")
	if r := m.snap.Result; r != nil {
		if r.Score > 0 {
			fmt.Fprintf(sb, "Last score: %.0f%% (passing score %.0f%%)\n", r.Score, m.snap.PassingScore())
		}
		if r.CooldownUntil != nil {
			fmt.Fprintf(sb, "Next attempt available %s\n", r.CooldownUntil.Local().Format(time.RFC1123))
		}
		if r.Message != "" {
			sb.WriteString(r.Message + "\n")
		}
	}
	sb.WriteString(m.styles.Footer.Render("q quit"))
}

// FormatRemaining mm:ss, часы добавляются при необходимости
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, rem := seconds/3600, seconds%3600
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, rem/60, rem%60)
	}
	return fmt.Sprintf("%02d:%02d", rem/60, rem%60)
}
