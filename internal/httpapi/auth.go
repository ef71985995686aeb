package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerSource supplies the shared import secret. *secretfile.Watcher
// satisfies it for secrets that rotate on disk.
type BearerSource interface {
	Value() string
}

type StaticBearer string

func (s StaticBearer) Value() string {
	return string(s)
}

type authError struct {
	status  int
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer compares the presented bearer with the configured secret in
// constant time. An unset secret is a server fault, not a client one.
func authorizeBearer(authHeader string, source BearerSource) *authError {
	expected := ""
	if source != nil {
		expected = source.Value()
	}
	if expected == "" {
		return &authError{
			status:  http.StatusInternalServerError,
			message: "Server misconfigured: missing PROJECTS_IMPORT_BEARER",
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, message: "Missing bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return &authError{status: http.StatusUnauthorized, message: "Invalid bearer token"}
	}
	return nil
}
