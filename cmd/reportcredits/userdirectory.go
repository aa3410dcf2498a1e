package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sportsight/reportcredits/pkg/credits"
)

// userDirectory resolves users through the internal user service API.
// Webhook reconciliation depends on it to match provider events by id or
// email, so lookups are kept short; a miss maps to credits.ErrUserNotFound.
type userDirectory struct {
	baseURL string
	client  *http.Client
}

func newUserDirectory(baseURL string) *userDirectory {
	return &userDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type userPayload struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

func (d *userDirectory) UserByID(ctx context.Context, id uuid.UUID) (*credits.User, error) {
	return d.fetch(ctx, d.baseURL+"/internal/users/"+id.String())
}

func (d *userDirectory) UserByEmail(ctx context.Context, email string) (*credits.User, error) {
	return d.fetch(ctx, d.baseURL+"/internal/users?email="+url.QueryEscape(email))
}

func (d *userDirectory) fetch(ctx context.Context, endpoint string) (*credits.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user service request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, credits.ErrUserNotFound
	default:
		return nil, fmt.Errorf("user service returned status %d", resp.StatusCode)
	}

	var payload userPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode user service response: %w", err)
	}
	return &credits.User{ID: payload.ID, Email: payload.Email}, nil
}
