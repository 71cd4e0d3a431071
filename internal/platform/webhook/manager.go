// Package webhook delivers outbox events to partner endpoints. Each business
// registers its own endpoints; payloads are signed with HMAC-SHA256 and every
// attempt is logged for inspection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/outbox"
	"github.com/medmart/telehealth/internal/platform/validate"
	"github.com/medmart/telehealth/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

const (
	EndpointActive = "active"
	EndpointPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// ErrEndpointNotFound is returned by stores when no endpoint matches.
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Endpoint is a partner destination registered by a business.
type Endpoint struct {
	ID         uuid.UUID         `json:"id"`
	BusinessID uuid.UUID         `json:"business_id"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret,omitempty"`
	Events     []string          `json:"events"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// DeliveryAttempt records one POST of one event to one endpoint.
type DeliveryAttempt struct {
	ID           uuid.UUID     `json:"id"`
	WebhookID    uuid.UUID     `json:"webhook_id"`
	EventID      uuid.UUID     `json:"event_id"`
	EventType    string        `json:"event_type"`
	DedupeKey    string        `json:"dedupe_key"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store persists endpoints and delivery attempts.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, businessID, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, businessID uuid.UUID) ([]*Endpoint, error)
	UpdateEndpointStatus(ctx context.Context, businessID, id uuid.UUID, status string) error
	DeleteEndpoint(ctx context.Context, businessID, id uuid.UUID) error
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// ---------------------------------------------------------------------------
// InMemoryStore
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe, in-memory Store.
type InMemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[uuid.UUID]*Endpoint
	deliveries []*DeliveryAttempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{endpoints: make(map[uuid.UUID]*Endpoint)}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, businessID, id uuid.UUID) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.BusinessID != businessID {
		return nil, ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, businessID uuid.UUID) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Endpoint{}
	for _, ep := range s.endpoints {
		if ep.BusinessID == businessID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateEndpointStatus(_ context.Context, businessID, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.BusinessID != businessID {
		return ErrEndpointNotFound
	}
	ep.Status = status
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, businessID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.BusinessID != businessID {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, webhookID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			filtered = append(filtered, d)
		}
	}
	return pagination.Window(filtered, limit, offset), len(filtered), nil
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// Manager registers endpoints and delivers outbox events to them. It
// implements outbox.Sender; retries and backoff belong to the dispatcher.
type Manager struct {
	store      Store
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "webhook").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// generateSecret produces a cryptographically random 32-byte hex string.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RegisterInput is the validated input for RegisterEndpoint.
type RegisterInput struct {
	URL    string   `json:"url" validate:"required,url,startswith=http"`
	Secret string   `json:"secret" validate:"omitempty,min=16"`
	Events []string `json:"events" validate:"required,min=1,dive,required"`
}

// RegisterEndpoint persists a new endpoint for businessID. If no secret is
// given a random one is generated.
func (m *Manager) RegisterEndpoint(ctx context.Context, businessID uuid.UUID, in RegisterInput) (*Endpoint, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	secret := in.Secret
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:         uuid.New(),
		BusinessID: businessID,
		URL:        in.URL,
		Secret:     secret,
		Events:     in.Events,
		Status:     EndpointActive,
		Metadata:   map[string]string{},
		CreatedAt:  m.now(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("business_id", businessID.String()).
		Str("webhook_id", ep.ID.String()).
		Strs("events", ep.Events).
		Msg("webhook endpoint registered")
	return ep, nil
}

// ListEndpoints returns the endpoints of a business.
func (m *Manager) ListEndpoints(ctx context.Context, businessID uuid.UUID) ([]*Endpoint, error) {
	return m.store.ListEndpoints(ctx, businessID)
}

// SetStatus pauses or resumes an endpoint.
func (m *Manager) SetStatus(ctx context.Context, businessID, id uuid.UUID, status string) error {
	if status != EndpointActive && status != EndpointPaused {
		return fmt.Errorf("unknown endpoint status %q", status)
	}
	return m.store.UpdateEndpointStatus(ctx, businessID, id, status)
}

// DeleteEndpoint removes an endpoint.
func (m *Manager) DeleteEndpoint(ctx context.Context, businessID, id uuid.UUID) error {
	return m.store.DeleteEndpoint(ctx, businessID, id)
}

// DeliveryLogs returns paginated attempts for an endpoint of businessID.
func (m *Manager) DeliveryLogs(ctx context.Context, businessID, id uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	if _, err := m.store.GetEndpoint(ctx, businessID, id); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, id, limit, offset)
}

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns can be exact ("consult.submitted"), "*", or wildcard
// ("consultation.*", "*.status_changed").
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatchesEvent(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Send delivers e to every active endpoint of its business that subscribes
// to its type. Any failed endpoint fails the whole attempt so that the
// dispatcher retries; partners dedupe on X-Event-Dedupe-Key. An event with
// no subscribed endpoint counts as delivered.
func (m *Manager) Send(ctx context.Context, e *outbox.Event) error {
	endpoints, err := m.store.ListEndpoints(ctx, e.BusinessID)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}

	var errs []error
	for _, ep := range endpoints {
		if ep.Status != EndpointActive || !endpointMatchesEvent(ep, e.Type) {
			continue
		}
		attempt := m.deliverToEndpoint(ctx, ep, e)
		if attempt.Status != DeliverySuccess {
			errs = append(errs, fmt.Errorf("webhook %s: %s", ep.ID, attempt.Error))
		}
	}
	return errors.Join(errs...)
}

// deliverToEndpoint signs the envelope and POSTs it to the endpoint, recording the result.
func (m *Manager) deliverToEndpoint(ctx context.Context, ep *Endpoint, e *outbox.Event) *DeliveryAttempt {
	payload, _ := json.Marshal(e.Envelope())
	sig := SignPayload(payload, ep.Secret)
	now := m.now()

	attempt := &DeliveryAttempt{
		ID:        uuid.New(),
		WebhookID: ep.ID,
		EventID:   e.ID,
		EventType: e.Type,
		DedupeKey: e.DedupeKey,
		CreatedAt: now,
	}
	defer func() {
		if err := m.store.RecordDelivery(context.WithoutCancel(ctx), attempt); err != nil {
			m.logger.Warn().Err(err).Str("webhook_id", ep.ID.String()).Msg("failed to record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", ep.ID.String())
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))
	req.Header.Set("X-Event-Dedupe-Key", e.DedupeKey)
	req.Header.Set("Idempotency-Key", e.DedupeKey)

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = DeliverySuccess
	} else {
		attempt.Status = DeliveryFailed
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}
