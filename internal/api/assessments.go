package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"carepro-cli/internal/models"
)

// SpecializedSubmission тело POST /Assessments/specialized/submit
type SpecializedSubmission struct {
	CaregiverID     string                    `json:"caregiverId"`
	SessionID       string                    `json:"sessionId"`
	ServiceCategory string                    `json:"serviceCategory"`
	Answers         []models.AnswerSubmission `json:"answers"`
}

// GeneralSubmission тело POST /Assessments/submit
type GeneralSubmission struct {
	CaregiverID string                    `json:"caregiverId"`
	UserType    string                    `json:"userType"`
	Answers     []models.AnswerSubmission `json:"answers"`
}

type startRequest struct {
	CaregiverID     string `json:"caregiverId"`
	ServiceCategory string `json:"serviceCategory"`
}

func (c *Client) GetCategoryRequirements(ctx context.Context, category string) (*models.CategoryRequirements, error) {
	var req models.CategoryRequirements
	if err := c.getJSON(ctx, "/Assessments/requirements/"+url.PathEscape(category), nil, &req); err != nil {
		return nil, err
	}
	if req.ServiceCategory == "" {
		req.ServiceCategory = category
	}
	return &req, nil
}

func (c *Client) GetServiceRequirements(ctx context.Context) ([]models.CategoryRequirements, error) {
	var reqs []models.CategoryRequirements
	if err := c.getJSON(ctx, "/Assessments/service-requirements", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// GetAssessmentHistory история попыток. Пустая category - все категории.
func (c *Client) GetAssessmentHistory(ctx context.Context, caregiverID, category string) ([]models.HistoryEntry, error) {
	var query url.Values
	if category != "" {
		query = url.Values{"serviceCategory": {category}}
	}
	var history []models.HistoryEntry
	if err := c.getJSON(ctx, "/Assessments/history/"+url.PathEscape(caregiverID), query, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// StartSpecializedAssessment запрашивает вопросы и открывает сессию на сервере
func (c *Client) StartSpecializedAssessment(ctx context.Context, caregiverID, category string) (*models.AssessmentSession, error) {
	var session models.AssessmentSession
	err := c.sendJSON(ctx, http.MethodPost, "/Assessments/specialized/start", startRequest{
		CaregiverID:     caregiverID,
		ServiceCategory: category,
	}, &session)
	if err != nil {
		return nil, err
	}
	if session.ServiceCategory == "" {
		session.ServiceCategory = category
	}
	return &session, nil
}

// SubmitSpecializedAssessment отправляет ответы. Ответы с флагами
// sessionExpired/sessionAlreadySubmitted/cooldown сервер может вернуть
// и со статусом 4xx, они тоже превращаются в результат, а не в ошибку.
func (c *Client) SubmitSpecializedAssessment(ctx context.Context, sub SpecializedSubmission) (*models.AssessmentResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/Assessments/specialized/submit", nil, sub)
	if err != nil {
		if result, ok := resultFromError(err); ok {
			return result, nil
		}
		return nil, err
	}
	return decodeResult(body)
}

func (c *Client) GetGeneralQuestions(ctx context.Context, userType string) ([]models.Question, error) {
	var questions []models.Question
	query := url.Values{"userType": {userType}}
	if err := c.getJSON(ctx, "/Assessments/questions", query, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

func (c *Client) SubmitGeneralAssessment(ctx context.Context, sub GeneralSubmission) (*models.AssessmentResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/Assessments/submit", nil, sub)
	if err != nil {
		return nil, err
	}
	return decodeResult(body)
}

func (c *Client) GetQualificationStatus(ctx context.Context, caregiverID string) (*models.QualificationStatus, error) {
	var status models.QualificationStatus
	if err := c.getJSON(ctx, "/Assessments/qualification/"+url.PathEscape(caregiverID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetEligibility возвращает ответ как есть: форма (массив или объект) разбирается вызывающим
func (c *Client) GetEligibility(ctx context.Context, caregiverID string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/Eligibility/"+url.PathEscape(caregiverID), nil, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(unwrap(body)), nil
}

// decodeResult объединяет флаги верхнего уровня и вложенный data
func decodeResult(body []byte) (*models.AssessmentResult, error) {
	var result models.AssessmentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("error unmarshaling result: %w", err)
	}

	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		var nested models.AssessmentResult
		if err := json.Unmarshal(env.Data, &nested); err != nil {
			return nil, fmt.Errorf("error unmarshaling result data: %w", err)
		}
		mergeResult(&result, nested)
	}
	return &result, nil
}

func mergeResult(dst *models.AssessmentResult, src models.AssessmentResult) {
	dst.Passed = dst.Passed || src.Passed
	dst.Cooldown = dst.Cooldown || src.Cooldown
	dst.SessionExpired = dst.SessionExpired || src.SessionExpired
	dst.SessionAlreadySubmitted = dst.SessionAlreadySubmitted || src.SessionAlreadySubmitted
	if src.Score != 0 {
		dst.Score = src.Score
	}
	if src.Threshold != 0 {
		dst.Threshold = src.Threshold
	}
	if src.CooldownUntil != nil {
		dst.CooldownUntil = src.CooldownUntil
	}
	if dst.Message == "" {
		dst.Message = src.Message
	}
}

func resultFromError(err error) (*models.AssessmentResult, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Body == "" {
		return nil, false
	}
	result, decodeErr := decodeResult([]byte(apiErr.Body))
	if decodeErr != nil {
		return nil, false
	}
	if result.SessionExpired || result.SessionAlreadySubmitted || result.Cooldown {
		return result, true
	}
	return nil, false
}
