// Package certificates загружает и показывает сертификаты сиделки.
package certificates

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"carepro-cli/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MaxFileSize предел размера файла сертификата
const MaxFileSize = 5 << 20

var allowedTypes = []string{"application/pdf", "image/jpeg", "image/png"}

var (
	ErrFileTooLarge    = fmt.Errorf("certificate file must be smaller than %d MB", MaxFileSize>>20)
	ErrUnsupportedType = errors.New("certificate must be a PDF, JPEG or PNG file")
	ErrEmptyFile       = errors.New("certificate file is empty")
)

type API interface {
	GetCertificates(ctx context.Context, caregiverID string) ([]models.Certificate, error)
	UploadCertificate(ctx context.Context, upload models.CertificateUpload) (*models.Certificate, error)
}

// Request данные формы загрузки
type Request struct {
	CaregiverID  string
	Path         string
	Name         string
	Type         string
	Category     string
	Issuer       string
	YearObtained int
	ExpiryDate   *time.Time
}

type Service struct {
	api    API
	now    func() time.Time
	logger *zap.Logger
}

func NewService(client API, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{api: client, now: time.Now, logger: logger.Named("certificates")}
}

func (s *Service) List(ctx context.Context, caregiverID string) ([]models.Certificate, error) {
	certs, err := s.api.GetCertificates(ctx, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	return certs, nil
}

// Upload читает файл, проверяет форму и отправляет сертификат
func (s *Service) Upload(ctx context.Context, req Request) (*models.Certificate, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("open certificate: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	upload, err := BuildUpload(req, data, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("uploading certificate",
		zap.String("type", upload.CertificateType),
		zap.String("content_type", upload.ContentType),
		zap.Int("bytes", len(data)))

	cert, err := s.api.UploadCertificate(ctx, upload)
	if err != nil {
		return nil, fmt.Errorf("upload certificate: %w", err)
	}
	if cert.CertificateType == "" {
		cert.CertificateType = upload.CertificateType
	}
	return cert, nil
}

// BuildUpload проверяет поля и собирает тело запроса
func BuildUpload(req Request, data []byte, now time.Time) (models.CertificateUpload, error) {
	var problems []string
	if strings.TrimSpace(req.CaregiverID) == "" {
		problems = append(problems, "caregiver id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "certificate name is required")
	}
	if strings.TrimSpace(req.Type) == "" {
		problems = append(problems, "certificate type is required")
	}
	if strings.TrimSpace(req.Issuer) == "" {
		problems = append(problems, "issuer is required")
	}
	if req.YearObtained < 1950 || req.YearObtained > now.Year() {
		problems = append(problems, fmt.Sprintf("year obtained must be between 1950 and %d", now.Year()))
	}
	if req.ExpiryDate != nil && !req.ExpiryDate.After(now) {
		problems = append(problems, "certificate has already expired")
	}
	if len(problems) > 0 {
		return models.CertificateUpload{}, fmt.Errorf("invalid certificate: %s", strings.Join(problems, "; "))
	}

	if len(data) == 0 {
		return models.CertificateUpload{}, ErrEmptyFile
	}
	if len(data) > MaxFileSize {
		return models.CertificateUpload{}, ErrFileTooLarge
	}
	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowedTypes...) {
		return models.CertificateUpload{}, fmt.Errorf("%w (got %s)", ErrUnsupportedType, mtype.String())
	}

	category := req.Category
	if category == "" {
		category = req.Type
	}
	return models.CertificateUpload{
		CaregiverID:         req.CaregiverID,
		CertificateName:     strings.TrimSpace(req.Name),
		CertificateType:     strings.TrimSpace(req.Type),
		CertificateCategory: category,
		CertificateIssuer:   strings.TrimSpace(req.Issuer),
		YearObtained:        req.YearObtained,
		ExpiryDate:          req.ExpiryDate,
		ContentType:         mtype.String(),
		FileName:            filepath.Base(req.Path),
		Certificate:         base64.StdEncoding.EncodeToString(data),
	}, nil
}
