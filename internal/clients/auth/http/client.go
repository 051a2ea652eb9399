// Package authhttp talks to the remote Authentication Service over its
// HTTP/JSON API and classifies every outcome into a failure.Kind.
package authhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/refresh-token"
	logoutPath   = "/auth/logout"

	requestIDHeader = "X-Request-ID"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 1 << 20
)

type Client struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the service rooted at baseURL. A zero timeout
// leaves deadlines to the caller's context.
func New(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		log:        log,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

type errorResponse struct {
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Detail    json.RawMessage `json:"detail"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair. The service expects an
// OAuth2 password-form body.
func (c *Client) Login(ctx context.Context, username, password string) (models.TokenPair, error) {
	const op = "authhttp.Login"

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var out tokenResponse
	err := c.do(ctx, op, loginPath, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), "", &out)
	if err != nil {
		return models.TokenPair{}, err
	}

	if out.AccessToken == "" || out.RefreshToken == "" {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, failure.NewTransport(failure.CodeBadResponse, "login response is missing tokens", nil))
	}

	return models.TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
	}, nil
}

// Register creates an account. Some deployments issue tokens on
// registration; the pair is returned when present and nil otherwise.
func (c *Client) Register(ctx context.Context, r models.Registration) (*models.TokenPair, error) {
	const op = "authhttp.Register"

	body, err := json.Marshal(registerRequest{Username: r.Username, Email: r.Email, Password: r.Password})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out tokenResponse
	if err := c.do(ctx, op, registerPath, "application/json", bytes.NewReader(body), "", &out); err != nil {
		return nil, err
	}

	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, nil
	}

	return &models.TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
	}, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	const op = "authhttp.RefreshToken"

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return models.RefreshedToken{}, fmt.Errorf("%s: %w", op, err)
	}

	var out tokenResponse
	if err := c.do(ctx, op, refreshPath, "application/json", bytes.NewReader(body), "", &out); err != nil {
		// A refresh request rejected as malformed is as final as a revoked token.
		return models.RefreshedToken{}, failure.AsAuthentication(err)
	}

	if out.AccessToken == "" {
		return models.RefreshedToken{}, fmt.Errorf("%s: %w", op, failure.NewTransport(failure.CodeBadResponse, "refresh response is missing the access token", nil))
	}

	return models.RefreshedToken{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
	}, nil
}

// Logout asks the service to revoke the tokens. accessToken may be empty when
// the session was resumed from storage and never refreshed.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	const op = "authhttp.Logout"

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return c.do(ctx, op, logoutPath, "application/json", bytes.NewReader(body), accessToken, nil)
}

func (c *Client) do(ctx context.Context, op, path, contentType string, body io.Reader, bearer string, out any) error {
	requestID := uuid.NewString()

	log := c.log.With(
		slog.String("op", op),
		slog.String("request_id", requestID),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, failure.NewTransport(failure.CodeUnavailable, "cannot build request", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("request failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, transportErr(ctx, err))
	}
	defer resp.Body.Close()

	log.Debug("response received",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%s: %w", op, transportErr(ctx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ferr := classifyStatus(resp.StatusCode, data)
		log.Info("service returned failure",
			slog.Int("status", resp.StatusCode),
			slog.String("code", ferr.Code),
		)
		return fmt.Errorf("%s: %w", op, ferr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", op, failure.NewTransport(failure.CodeBadResponse, "cannot decode service response", err))
	}

	return nil
}

func transportErr(ctx context.Context, err error) *failure.Error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return failure.NewTransport(failure.CodeCanceled, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return failure.NewTransport(failure.CodeUnavailable, "authentication service timed out", err)
	default:
		return failure.NewTransport(failure.CodeUnavailable, "authentication service unavailable", err)
	}
}

func classifyStatus(status int, body []byte) *failure.Error {
	var eb errorResponse
	_ = json.Unmarshal(body, &eb)

	message := eb.Message
	if message == "" {
		// Stock framework errors carry {"detail": "..."}.
		var detail string
		if json.Unmarshal(eb.Detail, &detail) == nil {
			message = detail
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
		return failure.NewAuthentication(eb.ErrorCode, message)
	case http.StatusUnprocessableEntity:
		return failure.NewValidation(message, nil)
	default:
		code := eb.ErrorCode
		if code == "" {
			code = failure.CodeUnavailable
		}
		return failure.NewTransport(code, message, fmt.Errorf("unexpected status %d", status))
	}
}
