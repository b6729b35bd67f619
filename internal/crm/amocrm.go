// ABOUTME: amoCRM adapter: OAuth2 token lifecycle plus lead creation and status moves
// ABOUTME: Lead ids and rotated tokens are persisted through the SQLite store

package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/store"
)

// TokenProvider is the oauth_tokens key used for amoCRM.
const TokenProvider = "amocrm"

const (
	tokenPath = "/oauth2/access_token"
	leadsPath = "/api/v4/leads"

	expirySkew       = time.Minute
	defaultTimeout   = 30 * time.Second
	defaultLeadName  = "New conversation"
	maxErrorBodySize = 4096
)

// LeadStore persists the identity to lead binding.
type LeadStore interface {
	GetLead(ctx context.Context, identity int64) (*store.Lead, error)
	SaveLead(ctx context.Context, lead *store.Lead) error
	UpdateLeadStatus(ctx context.Context, identity int64, status string) error
}

// TokenStore persists OAuth tokens.
type TokenStore interface {
	GetToken(ctx context.Context, provider string) (*store.Token, error)
	SaveToken(ctx context.Context, tok *store.Token) error
}

// AmoConfig configures the amoCRM adapter.
type AmoConfig struct {
	// BaseURL overrides https://<subdomain>.amocrm.ru.
	BaseURL      string
	Subdomain    string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	PipelineID int64
	LeadName   string
	LeadPrice  int
	// StatusIDs maps each Status to a pipeline status id. Zero means the
	// status is tracked locally only.
	StatusIDs map[Status]int64

	RequestTimeout time.Duration
}

// APIError is a non-2xx response from amoCRM.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// AmoCRM implements Client against the amoCRM v4 REST API.
type AmoCRM struct {
	cfg        AmoConfig
	baseURL    string
	httpClient *http.Client
	leads      LeadStore
	tokens     TokenStore
	logger     *slog.Logger
	now        func() time.Time

	tokenMu sync.Mutex

	// leadLocks serializes lead work per identity so one identity never gets
	// two leads while other identities proceed.
	locksMu   sync.Mutex
	leadLocks map[int64]*sync.Mutex
}

// NewAmoCRM creates the adapter. A nil httpClient gets one with the configured timeout.
func NewAmoCRM(cfg AmoConfig, leads LeadStore, tokens TokenStore, httpClient *http.Client, logger *slog.Logger) *AmoCRM {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.LeadName == "" {
		cfg.LeadName = defaultLeadName
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.amocrm.ru", cfg.Subdomain)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AmoCRM{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		leads:      leads,
		tokens:     tokens,
		logger:     logger.With("component", "crm"),
		now:        time.Now,
		leadLocks:  make(map[int64]*sync.Mutex),
	}
}

// lockLead locks identity's lead and returns the unlock func.
func (a *AmoCRM) lockLead(identity int64) func() {
	a.locksMu.Lock()
	mu, ok := a.leadLocks[identity]
	if !ok {
		mu = &sync.Mutex{}
		a.leadLocks[identity] = mu
	}
	a.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Authorize exchanges a one-time authorization code for a token pair and stores it.
func (a *AmoCRM) Authorize(ctx context.Context, code string) error {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	tok, err := a.exchange(ctx, map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
	})
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	a.logger.Info("amocrm authorized", "expires_at", tok.ExpiresAt)
	return nil
}

// CreateTrackedInteraction creates a fresh lead in the start status and binds
// it to identity, replacing any earlier binding.
func (a *AmoCRM) CreateTrackedInteraction(ctx context.Context, identity int64) error {
	unlock := a.lockLead(identity)
	defer unlock()

	_, err := a.createLead(ctx, identity, StatusStart)
	return err
}

// UpdateStatus moves the identity's lead to status, creating the lead in that
// status when the identity has none.
func (a *AmoCRM) UpdateStatus(ctx context.Context, identity int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown crm status %q", status)
	}

	unlock := a.lockLead(identity)
	lead, err := a.leads.GetLead(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		_, err = a.createLead(ctx, identity, status)
		unlock()
		return err
	}
	unlock()
	if err != nil {
		return fmt.Errorf("loading lead: %w", err)
	}

	if statusID := a.cfg.StatusIDs[status]; statusID != 0 {
		body := map[string]int64{"status_id": statusID}
		if a.cfg.PipelineID != 0 {
			body["pipeline_id"] = a.cfg.PipelineID
		}
		path := fmt.Sprintf("%s/%d", leadsPath, lead.LeadID)
		if err := a.do(ctx, "update_lead", http.MethodPatch, path, body, nil); err != nil {
			return err
		}
	} else {
		a.logger.Debug("no pipeline status configured, tracking locally", "status", status)
	}

	if err := a.leads.UpdateLeadStatus(ctx, identity, string(status)); err != nil {
		return fmt.Errorf("recording lead status: %w", err)
	}
	a.logger.Debug("lead status updated", "identity", identity, "lead_id", lead.LeadID, "status", status)
	return nil
}

type leadPayload struct {
	Name       string `json:"name"`
	Price      int    `json:"price,omitempty"`
	PipelineID int64  `json:"pipeline_id,omitempty"`
	StatusID   int64  `json:"status_id,omitempty"`
}

type leadsResponse struct {
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// createLead must be called with the identity's lead lock held.
func (a *AmoCRM) createLead(ctx context.Context, identity int64, status Status) (*store.Lead, error) {
	payload := []leadPayload{{
		Name:       fmt.Sprintf("%s #%d", a.cfg.LeadName, identity),
		Price:      a.cfg.LeadPrice,
		PipelineID: a.cfg.PipelineID,
		StatusID:   a.cfg.StatusIDs[status],
	}}

	var resp leadsResponse
	if err := a.do(ctx, "create_lead", http.MethodPost, leadsPath, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedded.Leads) == 0 || resp.Embedded.Leads[0].ID == 0 {
		return nil, fmt.Errorf("amocrm create_lead: response has no lead id")
	}

	lead := &store.Lead{
		Identity: identity,
		LeadID:   resp.Embedded.Leads[0].ID,
		Status:   string(status),
	}
	if err := a.leads.SaveLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("saving lead binding: %w", err)
	}

	a.logger.Info("lead created", "identity", identity, "lead_id", lead.LeadID, "status", status)
	return lead, nil
}

// do performs an authenticated API call. A 401 triggers one token refresh
// and a single retry.
func (a *AmoCRM) do(ctx context.Context, op, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	var rejected string
	for attempt := 0; ; attempt++ {
		token, err := a.accessToken(ctx, rejected)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating %s request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("amocrm %s: %w", op, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			a.logger.Warn("amocrm rejected access token, refreshing", "op", op)
			rejected = token
			continue
		}

		err = decodeResponse(op, resp, out)
		resp.Body.Close()
		return err
	}
}

func decodeResponse(op string, resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("amocrm %s: decoding response: %w", op, err)
	}
	return nil
}

// accessToken returns a usable access token, refreshing it when expired or
// when the API rejected the stored one. A rejected token that was already
// replaced by a concurrent refresh is not refreshed again, since amoCRM
// rotates the refresh token on every exchange.
func (a *AmoCRM) accessToken(ctx context.Context, rejected string) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	tok, err := a.tokens.GetToken(ctx, TokenProvider)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotAuthorized
	}
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}

	fresh := !tok.Expired(a.now(), expirySkew)
	if fresh && (rejected == "" || tok.AccessToken != rejected) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", ErrNotAuthorized
	}

	refreshed, err := a.exchange(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": tok.RefreshToken,
	})
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	a.logger.Info("amocrm token refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed.AccessToken, nil
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// exchange calls the OAuth token endpoint and stores the result. Must be
// called with tokenMu held.
func (a *AmoCRM) exchange(ctx context.Context, grant map[string]string) (*store.Token, error) {
	body := map[string]string{
		"client_id":     a.cfg.ClientID,
		"client_secret": a.cfg.ClientSecret,
		"redirect_uri":  a.cfg.RedirectURL,
	}
	for k, v := range grant {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("amocrm token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := decodeResponse("token", resp, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("amocrm token: response has no access token")
	}

	tok := &store.Token{
		Provider:     TokenProvider,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    tokenExpiry(tr.AccessToken),
	}
	if tok.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		tok.ExpiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if err := a.tokens.SaveToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}
	return tok, nil
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Returns the zero time for opaque tokens.
func tokenExpiry(raw string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
