package api

import (
	"context"
	"net/http"
	"net/url"

	"carepro-cli/internal/models"
)

func (c *Client) GetCertificates(ctx context.Context, caregiverID string) ([]models.Certificate, error) {
	var certs []models.Certificate
	if err := c.getJSON(ctx, "/Certificates/caregiver/"+url.PathEscape(caregiverID), nil, &certs); err != nil {
		return nil, err
	}
	return certs, nil
}

// UploadCertificate POST /Certificates, файл передаётся base64 строкой в JSON
func (c *Client) UploadCertificate(ctx context.Context, upload models.CertificateUpload) (*models.Certificate, error) {
	var cert models.Certificate
	if err := c.sendJSON(ctx, http.MethodPost, "/Certificates", upload, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}
