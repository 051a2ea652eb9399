package session

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/jwt"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts the manager to oauth2.TokenSource, so oauth2.NewClient
// and friends always send a fresh access token.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	access, err := s.m.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return bearer(access), nil
}

func bearer(access string) *oauth2.Token {
	t := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if exp, ok := jwt.ExpiresAt(access); ok {
		t.Expiry = exp
	}
	return t
}

// Transport authorizes requests with the session's access token. When the
// server answers 401 it replaces the rejected token (coalesced with any other
// request doing the same) and replays the request once. Requests whose body
// cannot be replayed are returned as is.
type Transport struct {
	m    *Manager
	Base http.RoundTripper
}

func NewTransport(m *Manager, base http.RoundTripper) *Transport {
	return &Transport{m: m, Base: base}
}

// Client returns an *http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	access, err := t.m.AccessToken(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	resp, err := t.base().RoundTrip(authorize(req, access))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	fresh, err := t.m.ReplaceRejected(ctx, access)
	if err != nil {
		// The original 401 is more useful to the caller than the refresh error.
		return resp, nil
	}

	retry := authorize(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func authorize(req *http.Request, access string) *http.Request {
	r := req.Clone(req.Context())
	bearer(access).SetAuthHeader(r)
	return r
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
