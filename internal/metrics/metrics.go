package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu                    sync.RWMutex
	AssessmentsStarted    int64
	AssessmentsSubmitted  int64
	AssessmentsPassed     int64
	SessionsExpired       int64
	NotificationsReceived int64
	APICallsTotal         int64
	APICallsSuccessful    int64
	LastUpdateTime        time.Time
}

// Snapshot копия счётчиков без мьютекса
type Snapshot struct {
	AssessmentsStarted    int64
	AssessmentsSubmitted  int64
	AssessmentsPassed     int64
	SessionsExpired       int64
	NotificationsReceived int64
	APICallsTotal         int64
	APICallsSuccessful    int64
	LastUpdateTime        time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		LastUpdateTime: time.Now(),
	}
}

// Все методы безопасны для nil получателя, чтобы метрики были опциональны.

func (m *Metrics) IncrementAssessmentsStarted() {
	m.update(func() { m.AssessmentsStarted++ })
}

func (m *Metrics) IncrementAssessmentsSubmitted(passed bool) {
	m.update(func() {
		m.AssessmentsSubmitted++
		if passed {
			m.AssessmentsPassed++
		}
	})
}

func (m *Metrics) IncrementSessionsExpired() {
	m.update(func() { m.SessionsExpired++ })
}

func (m *Metrics) IncrementNotificationsReceived() {
	m.update(func() { m.NotificationsReceived++ })
}

func (m *Metrics) IncrementAPICall(success bool) {
	m.update(func() {
		m.APICallsTotal++
		if success {
			m.APICallsSuccessful++
		}
	})
}

func (m *Metrics) update(fn func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
	m.LastUpdateTime = time.Now()
}

func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		AssessmentsStarted:    m.AssessmentsStarted,
		AssessmentsSubmitted:  m.AssessmentsSubmitted,
		AssessmentsPassed:     m.AssessmentsPassed,
		SessionsExpired:       m.SessionsExpired,
		NotificationsReceived: m.NotificationsReceived,
		APICallsTotal:         m.APICallsTotal,
		APICallsSuccessful:    m.APICallsSuccessful,
		LastUpdateTime:        m.LastUpdateTime,
	}
}
