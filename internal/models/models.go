// Package models содержит доменные типы CarePro, общие для API клиента,
// локального хранилища и контроллеров.
package models

import "time"

// Роли пользователей
const (
	RoleCaregiver = "Caregiver"
	RoleClient    = "Client"
)

// UserDetails повторяет JSON, который веб-клиент хранит под ключом userDetails
type UserDetails struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

func (u UserDetails) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// LoginResponse ответ /Authentications/UserLogin
type LoginResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	IsFirstLogin bool        `json:"isFirstLogin"`
	User         UserDetails `json:"user"`
}

// Caregiver профиль сиделки
type Caregiver struct {
	ID                string   `json:"id"`
	FirstName         string   `json:"firstName"`
	LastName          string   `json:"lastName"`
	Email             string   `json:"email"`
	PhoneNo           string   `json:"phoneNo"`
	HomeAddress       string   `json:"homeAddress"`
	AboutMe           string   `json:"aboutMe"`
	Location          string   `json:"location"`
	IsAvailable       bool     `json:"isAvailable"`
	ServiceCategories []string `json:"serviceCategories"`
}

// Question один вопрос оценки. Не меняется после загрузки.
type Question struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	DifficultyLevel string   `json:"difficultyLevel,omitempty"`
}

// AssessmentSession выдаётся сервером при старте специализированной оценки
type AssessmentSession struct {
	SessionID       string     `json:"sessionId"`
	ServiceCategory string     `json:"serviceCategory"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Questions       []Question `json:"questions"`
}

// AnswerMap: id вопроса -> выбранный вариант
type AnswerMap map[string]string

// AnswerSubmission элемент тела запроса на отправку ответов
type AnswerSubmission struct {
	QuestionID     string `json:"questionId"`
	SelectedAnswer string `json:"selectedAnswer"`
}

// Submissions переводит ответы в формат запроса
func (a AnswerMap) Submissions(questions []Question) []AnswerSubmission {
	out := make([]AnswerSubmission, 0, len(a))
	for _, q := range questions {
		if answer, ok := a[q.ID]; ok {
			out = append(out, AnswerSubmission{QuestionID: q.ID, SelectedAnswer: answer})
		}
	}
	return out
}

// AssessmentResult результат отправки. Флаги отражают ответ сервера.
type AssessmentResult struct {
	Success                 bool       `json:"success"`
	Passed                  bool       `json:"passed"`
	Score                   float64    `json:"score"`
	Threshold               float64    `json:"threshold"`
	CooldownUntil           *time.Time `json:"cooldownUntil,omitempty"`
	Cooldown                bool       `json:"cooldown,omitempty"`
	SessionExpired          bool       `json:"sessionExpired,omitempty"`
	SessionAlreadySubmitted bool       `json:"sessionAlreadySubmitted,omitempty"`
	Message                 string     `json:"message,omitempty"`
}

// CategoryRequirements требования к категории услуг
type CategoryRequirements struct {
	ServiceCategory      string   `json:"serviceCategory"`
	DisplayName          string   `json:"displayName,omitempty"`
	PassingScore         float64  `json:"passingScore"`
	CooldownHours        int      `json:"cooldownHours"`
	QuestionCount        int      `json:"questionCount"`
	TimeLimitMinutes     int      `json:"timeLimitMinutes"`
	RequiredCertificates []string `json:"requiredCertificates"`
}

// HistoryEntry одна прошлая попытка оценки
type HistoryEntry struct {
	ID              string     `json:"id"`
	ServiceCategory string     `json:"serviceCategory"`
	Score           float64    `json:"score"`
	Threshold       float64    `json:"threshold"`
	Passed          bool       `json:"passed"`
	CompletedAt     time.Time  `json:"completedAt"`
	NextRetryDate   *time.Time `json:"nextRetryDate,omitempty"`
}

// EligibilityRecord состояние допуска по одной категории
type EligibilityRecord struct {
	ServiceCategory      string     `json:"serviceCategory"`
	IsEligible           bool       `json:"isEligible"`
	AssessmentPassed     bool       `json:"assessmentPassed"`
	AssessmentExpired    bool       `json:"assessmentExpired"`
	AssessmentExpiresAt  *time.Time `json:"assessmentExpiresAt,omitempty"`
	CertificatesVerified bool       `json:"certificatesVerified"`
	MissingCertificates  []string   `json:"missingCertificates"`
	CooldownUntil        *time.Time `json:"cooldownUntil,omitempty"`
}

// Certificate копия сертификата для отображения
type Certificate struct {
	ID                  string     `json:"id"`
	CertificateType     string     `json:"certificateType"`
	CertificateCategory string     `json:"certificateCategory"`
	IsVerified          bool       `json:"isVerified"`
	ExpiryDate          *time.Time `json:"expiryDate,omitempty"`
	ServiceCategories   []string   `json:"serviceCategories"`
}

// CertificateUpload тело POST /Certificates, файл в base64
type CertificateUpload struct {
	CaregiverID         string     `json:"caregiverId"`
	CertificateName     string     `json:"certificateName"`
	CertificateType     string     `json:"certificateType"`
	CertificateCategory string     `json:"certificateCategory"`
	CertificateIssuer   string     `json:"certificateIssuer"`
	YearObtained        int        `json:"yearObtained"`
	ExpiryDate          *time.Time `json:"expiryDate,omitempty"`
	ContentType         string     `json:"contentType"`
	FileName            string     `json:"fileName"`
	Certificate         string     `json:"certificate"`
}

// QualificationStatus статус общей оценки. Источник истины - сервер.
type QualificationStatus struct {
	IsQualified         bool       `json:"isQualified"`
	AssessmentCompleted bool       `json:"assessmentCompleted"`
	AttemptCount        int        `json:"attemptCount"`
	CanRetakeAfter      *time.Time `json:"canRetakeAfter,omitempty"`
	Score               float64    `json:"score"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
}

// Notification уведомление пользователя
type Notification struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Type            string    `json:"type"`
	IsRead          bool      `json:"isRead"`
	CreatedAt       time.Time `json:"createdAt"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
}

// VerificationStatus статус проверки личности, кешируется по id пользователя
type VerificationStatus struct {
	IsVerified bool      `json:"isVerified"`
	Status     string    `json:"verificationStatus"`
	CheckedAt  time.Time `json:"checkedAt"`
}
