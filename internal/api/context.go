package api

import (
	"context"
	"time"

	"github.com/org/datagate/pkg/models"
)

type contextKey string

const (
	ctxKeyAPIKey    contextKey = "api_key"
	ctxKeyMeta      contextKey = "request_meta"
	ctxKeyRequestID contextKey = "request_id"
)

// RequestMeta carries the per-request timing and resource fields the
// access-log interceptor reads at the end of the request. It lives for one
// request only and is passed explicitly through the context, never through
// ambient state. Fields are written by at most one goroutine (the request's
// own), last write wins, and every field has a usable zero value so log
// assembly never fails.
type RequestMeta struct {
	InitialTime       time.Time
	ValidationTime    time.Duration
	QueryTime         time.Duration
	AccessedResources []string
}

// RecordQuery stores the handler's primary query duration.
func (m *RequestMeta) RecordQuery(d time.Duration) {
	m.QueryTime = d
}

// AddResource appends one "<kind>:<id>" identifier touched by the handler.
func (m *RequestMeta) AddResource(kind string, id any) {
	m.AccessedResources = append(m.AccessedResources, resourceID(kind, id))
}

func withAPIKey(ctx context.Context, k *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxKeyAPIKey, k)
}

func apiKeyFromCtx(ctx context.Context) *models.APIKey {
	k, _ := ctx.Value(ctxKeyAPIKey).(*models.APIKey)
	return k
}

func withMeta(ctx context.Context, m *RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, m)
}

// MetaFromCtx returns the request's metadata, or a throwaway value when the
// middleware chain did not run (defensive; keeps handlers nil-safe).
func MetaFromCtx(ctx context.Context) *RequestMeta {
	if m, ok := ctx.Value(ctxKeyMeta).(*RequestMeta); ok {
		return m
	}
	return &RequestMeta{InitialTime: time.Now()}
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
