package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/token"
)

// Result is the outcome of authenticating one request. Err is set on
// failure; Authenticated is false for anonymous requests.
type Result struct {
	Principal     member.Principal
	Authenticated bool
	Err           error
}

// Filter turns a bearer access token into a principal in the request
// context.
type Filter struct {
	codec     *token.Codec
	responder *Responder
	bypass    map[string]struct{}
}

// NewFilter builds a filter skipping bypassPaths, "/auth" when none given.
func NewFilter(codec *token.Codec, responder *Responder, bypassPaths ...string) *Filter {
	if len(bypassPaths) == 0 {
		bypassPaths = []string{"/auth"}
	}
	f := &Filter{codec: codec, responder: responder, bypass: make(map[string]struct{}, len(bypassPaths))}
	for _, p := range bypassPaths {
		f.bypass[p] = struct{}{}
	}
	return f
}

// BearerToken extracts the token of an "Authorization: Bearer" header. ok is
// false when the header is absent or uses another scheme.
func BearerToken(r *http.Request) (tok string, ok bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, rest, _ := strings.Cut(h, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// Authenticate verifies the access token of r, if any.
func (f *Filter) Authenticate(r *http.Request) (res Result) {
	tok, ok := BearerToken(r)
	if !ok {
		return Result{}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: fmt.Errorf("verify panicked: %v", p)}
		}
	}()

	claims, err := f.codec.Verify(tok, token.Access)
	if err != nil {
		return Result{Err: err}
	}
	p, err := claims.Principal()
	if err != nil {
		return Result{Err: err}
	}
	return Result{Principal: p, Authenticated: true}
}

// Classify maps a verification error to its client code.
func Classify(err error) Code {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return CodeExpiredAccessToken
	case errors.Is(err, token.ErrTokenEmpty):
		return CodeNotFoundToken
	case errors.Is(err, token.ErrTokenMalformed):
		return CodeInvalidToken
	default:
		return CodeUnknownError
	}
}

func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := f.bypass[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}

		res := f.Authenticate(r)
		switch {
		case res.Err != nil:
			code := Classify(res.Err)
			logctx.From(r.Context()).Info("access token rejected", "code", code, "error", res.Err)
			f.responder.TokenError(w, r, code)
		case res.Authenticated:
			ctx := WithPrincipal(r.Context(), res.Principal)
			ctx = logctx.Into(ctx, logctx.From(ctx).With("member_id", res.Principal.MemberID))
			next.ServeHTTP(w, r.WithContext(ctx))
		default:
			next.ServeHTTP(w, r)
		}
	})
}
