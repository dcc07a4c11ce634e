package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/datagate/internal/storage"
	"github.com/org/datagate/pkg/models"
)

// Errors mapped to HTTP responses at the API edge.
var (
	// ErrMissingKey: no X-API-Key header on a gated route.
	ErrMissingKey = errors.New("X-API-Key header is missing")
	// ErrInvalidKey: unknown, expired, or IP-restricted token.
	ErrInvalidKey = errors.New("Invalid or unauthorized API Key")
	// ErrWrongPurpose: the key's purpose does not match the route's.
	ErrWrongPurpose = errors.New("API key does not have the required purpose")
)

// KeyService issues and authenticates API keys.
type KeyService struct {
	store storage.KeyStore

	// enforceAllowlist gates the allowed_ips check. The check is defined in
	// the key schema but disabled by default; see Config in cmd/server.
	enforceAllowlist bool

	usage *usageRecorder
}

// NewKeyService creates a KeyService backed by the given store.
func NewKeyService(store storage.KeyStore, enforceAllowlist bool) *KeyService {
	return &KeyService{
		store:            store,
		enforceAllowlist: enforceAllowlist,
		usage:            newUsageRecorder(store),
	}
}

// Start launches the background usage recorder.
func (s *KeyService) Start() {
	s.usage.start()
}

// Stop drains the usage recorder, waiting up to the context deadline.
func (s *KeyService) Stop(ctx context.Context) error {
	return s.usage.stop(ctx)
}

// CreateParams are the caller-supplied fields of a new key.
type CreateParams struct {
	Purpose            models.Purpose
	Description        string
	AllowedIPs         []string
	DataClassification []models.DataClassification
	CreatedBy          string
}

// CreateKey generates a 64-hex-character token, persists the key record,
// and returns it. The token is shown once; it is immutable afterwards.
func (s *KeyService) CreateKey(ctx context.Context, p CreateParams) (*models.APIKey, error) {
	if !p.Purpose.Valid() {
		return nil, fmt.Errorf("invalid purpose %q", p.Purpose)
	}
	if len(p.DataClassification) == 0 {
		return nil, errors.New("data_classification must not be empty")
	}
	for _, c := range p.DataClassification {
		if !c.Valid() {
			return nil, fmt.Errorf("invalid data classification %q", c)
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	desc := p.Description
	if desc == "" {
		desc = string(p.Purpose) + " key"
	}
	allowed := p.AllowedIPs
	if allowed == nil {
		allowed = []string{}
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		Key:                hex.EncodeToString(raw),
		Description:        desc,
		Purpose:            p.Purpose,
		DataClassification: p.DataClassification,
		CreatedBy:          p.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
		AllowedIPs:         allowed,
		Usages:             0,
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("persisting api key: %w", err)
	}
	return key, nil
}

// Authenticate validates a token from the X-API-Key header. It returns the
// key record and the duration of the store lookup, or ErrInvalidKey for
// unknown, expired, or (when enforcement is on) IP-restricted tokens.
// A successful authentication schedules exactly one usage-counter update;
// the update never blocks the response path.
func (s *KeyService) Authenticate(ctx context.Context, token, clientIP string) (*models.APIKey, time.Duration, error) {
	if token == "" {
		return nil, 0, ErrMissingKey
	}

	start := time.Now()
	key, err := s.store.FindByToken(ctx, token, time.Now().UTC())
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, elapsed, ErrInvalidKey
		}
		return nil, elapsed, err
	}

	if s.enforceAllowlist && !key.AllowsIP(clientIP) {
		return nil, elapsed, ErrInvalidKey
	}

	s.usage.record(token)
	return key, elapsed, nil
}

// AssertPurpose gates a route on the key's purpose. It never alters data,
// only allows or denies.
func AssertPurpose(key *models.APIKey, want models.Purpose) error {
	if key == nil {
		return ErrMissingKey
	}
	if key.Purpose != want {
		return ErrWrongPurpose
	}
	return nil
}

// usageRecorder applies usage-counter updates off the request path through
// a bounded queue. Updates are fire-and-forget: a full queue or a store
// failure loses at most that one increment, which is an accepted, bounded
// inaccuracy rather than an API contract violation.
type usageRecorder struct {
	store storage.KeyStore
	queue chan string
	done  chan struct{}
}

const usageQueueDepth = 1024

func newUsageRecorder(store storage.KeyStore) *usageRecorder {
	return &usageRecorder{
		store: store,
		queue: make(chan string, usageQueueDepth),
		done:  make(chan struct{}),
	}
}

func (u *usageRecorder) start() {
	go func() {
		defer close(u.done)
		for token := range u.queue {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := u.store.IncrementUsage(ctx, token, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("usage counter update failed")
			}
			cancel()
		}
	}()
}

func (u *usageRecorder) record(token string) {
	select {
	case u.queue <- token:
	default:
		log.Warn().Msg("usage queue full, dropping counter update")
	}
}

// stop closes the queue and waits for the worker to drain it, bounded by
// the context deadline.
func (u *usageRecorder) stop(ctx context.Context) error {
	close(u.queue)
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
