package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tikoncha/chatwire/internal/event"
)

// Config holds exchange endpoint settings.
type Config struct {
	// Endpoint is the credential exchange URL.
	Endpoint string
	// RefreshBuffer is subtracted from the reported lifetime to cover clock
	// skew and in-flight latency.
	RefreshBuffer time.Duration
	// HTTPClient is optional; a default with a request timeout is used when
	// nil.
	HTTPClient *http.Client
}

// Service exchanges a long-lived identity credential for short-lived session
// credentials and renews them ahead of expiry.
type Service struct {
	endpoint   string
	buffer     time.Duration
	httpClient *http.Client
	bus        *event.Bus
	logger     *slog.Logger

	mu           sync.Mutex
	identity     string
	creds        Credentials
	inflight     *exchangeCall
	refreshTimer *time.Timer
	closed       bool
}

type exchangeCall struct {
	done  chan struct{}
	creds Credentials
	err   error
}

// NewService creates a credential exchange service. bus and logger may be nil.
func NewService(cfg Config, bus *event.Bus, logger *slog.Logger) *Service {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		endpoint:   cfg.Endpoint,
		buffer:     cfg.RefreshBuffer,
		httpClient: client,
		bus:        bus,
		logger:     logger,
	}
}

// Initialize stores the identity credential and performs the first exchange.
func (s *Service) Initialize(ctx context.Context, identity string) (Credentials, error) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	return s.exchange(ctx)
}

// UpdateIdentity replaces the identity credential used by future exchanges.
func (s *Service) UpdateIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// SessionToken returns the cached credential while it remains valid, and
// otherwise performs an exchange. Concurrent callers share one in-flight
// exchange.
func (s *Service) SessionToken(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	if s.creds.ValidFor(s.buffer) {
		creds := s.creds
		s.mu.Unlock()
		return creds, nil
	}
	s.mu.Unlock()
	return s.exchange(ctx)
}

// Refresh forces an exchange regardless of cached validity. Used when the
// wire rejects the current session credential outright.
func (s *Service) Refresh(ctx context.Context) (Credentials, error) {
	return s.exchange(ctx)
}

// Info reports the cached credential state for diagnostics.
func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		HasToken:  s.creds.SessionToken != "",
		Valid:     s.creds.ValidFor(s.buffer),
		ExpiresAt: s.creds.ExpiresAt,
	}
	if info.HasToken {
		info.TTL = time.Until(s.creds.ExpiresAt)
	}
	return info
}

// Close stops the background renewal timer and clears cached state.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.creds = Credentials{}
}

func (s *Service) exchange(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	if s.identity == "" {
		s.mu.Unlock()
		return Credentials{}, ErrNoIdentity
	}
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.creds, call.err
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	call := &exchangeCall{done: make(chan struct{})}
	s.inflight = call
	identity := s.identity
	s.mu.Unlock()

	creds, err := s.fetch(ctx, identity)

	s.mu.Lock()
	s.inflight = nil
	if err == nil && !s.closed {
		s.creds = creds
		s.scheduleRenewalLocked(creds)
	}
	s.mu.Unlock()

	call.creds, call.err = creds, err
	close(call.done)

	if err != nil {
		s.logger.Error("credential exchange failed", "error", err)
		return Credentials{}, err
	}
	s.logger.Debug("session credential issued", "expires_at", creds.ExpiresAt)
	return creds, nil
}

type exchangeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		SessionToken string `json:"session_token"`
		ExpiresIn    int64  `json:"expires_in"`
	} `json:"data"`
}

func (s *Service) fetch(ctx context.Context, identity string) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	req.Header.Set("Authorization", bearer(identity))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credentials{}, fmt.Errorf("%w: status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var body exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Credentials{}, fmt.Errorf("%w: decoding response: %w", ErrExchangeFailed, err)
	}
	if !body.Success || body.Data.SessionToken == "" {
		msg := body.Error
		if msg == "" {
			msg = "backend rejected identity credential"
		}
		return Credentials{}, fmt.Errorf("%w: %s", ErrExchangeFailed, msg)
	}

	return Credentials{
		SessionToken: body.Data.SessionToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.Data.ExpiresIn) * time.Second),
	}, nil
}

func (s *Service) scheduleRenewalLocked(creds Credentials) {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	lead := time.Until(creds.ExpiresAt.Add(-s.buffer))
	if lead <= 0 {
		return
	}
	s.refreshTimer = time.AfterFunc(lead, s.renew)
}

// renew runs on the background timer. A failure is reported on the bus and
// left for the next trigger; it never crashes the process.
func (s *Service) renew() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := s.exchange(ctx)
	if err != nil {
		s.bus.Emit(event.TokenError, err)
		return
	}
	s.bus.Emit(event.TokenRefreshed, creds)
}

func bearer(identity string) string {
	if strings.HasPrefix(identity, "Bearer ") {
		return identity
	}
	return "Bearer " + identity
}
