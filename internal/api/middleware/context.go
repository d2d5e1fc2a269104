package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	keyIDKey        contextKey = "key_id"
	apiKeyScopesKey contextKey = "api_key_scopes"
	requestIDKey    contextKey = "request_id"
)

func setKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyIDKey, id)
}

// GetKeyID returns the id of the API key that authenticated the request.
func GetKeyID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(keyIDKey).(string)
	return id, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the id assigned by Logger.
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// ExportedKeyIDKey returns the context key for key_id (for testing).
func ExportedKeyIDKey() contextKey {
	return keyIDKey
}
