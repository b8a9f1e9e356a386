package security

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/metrics"
)

// HeaderTokenError names the response header carrying the failure Code.
const HeaderTokenError = "JwtException"

// Code classifies a token failure for clients.
type Code string

const (
	CodeExpiredAccessToken  Code = "EXPIRED_ACCESS_TOKEN"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeNotFoundToken       Code = "NOT_FOUND_TOKEN"
	CodeUnknownError        Code = "UNKNOWN_ERROR"
	CodeExpiredRefreshToken Code = "EXPIRED_REFRESH_TOKEN"
)

var codeMessages = map[Code]string{
	CodeExpiredAccessToken:  "access token has expired",
	CodeInvalidToken:        "token is invalid",
	CodeNotFoundToken:       "token not found",
	CodeUnknownError:        "token could not be verified",
	CodeExpiredRefreshToken: "refresh token has expired",
}

// ErrorBody is the JSON body of every 4xx/5xx response.
type ErrorBody struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
}

// Responder writes the error responses of the filter, the policy and the HTTP
// handlers, so every failure has the same shape.
type Responder struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewResponder(m *metrics.Metrics) *Responder {
	return &Responder{metrics: m, now: time.Now}
}

// Error writes an error body with the given status.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := ErrorBody{
		Path:       r.URL.Path,
		Message:    message,
		StatusCode: status,
		Timestamp:  rs.now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.From(r.Context()).Error("write error body", "error", err)
	}
}

// TokenError answers 401 with the code in HeaderTokenError.
func (rs *Responder) TokenError(w http.ResponseWriter, r *http.Request, code Code) {
	rs.metrics.TokenFailure(string(code))
	w.Header().Set(HeaderTokenError, string(code))
	msg, ok := codeMessages[code]
	if !ok {
		msg = codeMessages[CodeUnknownError]
	}
	rs.Error(w, r, http.StatusUnauthorized, msg)
}

// Unauthorized answers 401 for a request that carried no credentials.
func (rs *Responder) Unauthorized(w http.ResponseWriter, r *http.Request) {
	rs.Error(w, r, http.StatusUnauthorized, "full authentication is required to access this resource")
}

// Forbidden answers 403 for an authenticated principal lacking a role.
func (rs *Responder) Forbidden(w http.ResponseWriter, r *http.Request) {
	rs.Error(w, r, http.StatusForbidden, "access is denied")
}
