package api

import (
	"context"
	"net/http"
	"net/url"

	"carepro-cli/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login POST /Authentications/UserLogin
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	err := c.sendJSON(ctx, http.MethodPost, "/Authentications/UserLogin", loginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error) {
	var caregiver models.Caregiver
	if err := c.getJSON(ctx, "/CareGivers/"+url.PathEscape(id), nil, &caregiver); err != nil {
		return nil, err
	}
	return &caregiver, nil
}

func (c *Client) UpdateCaregiver(ctx context.Context, caregiver models.Caregiver) (*models.Caregiver, error) {
	var updated models.Caregiver
	err := c.sendJSON(ctx, http.MethodPut, "/CareGivers/"+url.PathEscape(caregiver.ID), caregiver, &updated)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetVerificationStatus GET /Verifications/userId/{id}
func (c *Client) GetVerificationStatus(ctx context.Context, userID string) (*models.VerificationStatus, error) {
	var status models.VerificationStatus
	if err := c.getJSON(ctx, "/Verifications/userId/"+url.PathEscape(userID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
