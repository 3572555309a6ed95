/*
middleware.go - Identity, access log and rate limiting

IDENTITY:
  Every /api route runs behind one identity middleware that puts a
  leave.Actor in the request context:
  - TokenAuth: HS256 bearer tokens carrying user_id, role, department_id
  - HeaderAuth: trusts X-User-ID / X-User-Role / X-User-Department, for
    local development and for deployments behind an authenticating proxy
  Unknown roles become "employee".

RATE LIMIT:
  Token bucket per actor (golang.org/x/time/rate). Limiters are created
  lazily and never evicted; the key space is the employee directory.

SEE ALSO:
  - idempotency.go: Submit replay protection
  - server.go: Middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/garrison/leave-engine/leave"
)

// =============================================================================
// ACTOR CONTEXT
// =============================================================================

type ctxKey int

const actorKey ctxKey = iota

// WithActor returns ctx carrying the authenticated actor.
func WithActor(ctx context.Context, a leave.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the actor set by the identity middleware.
func ActorFrom(ctx context.Context) (leave.Actor, bool) {
	a, ok := ctx.Value(actorKey).(leave.Actor)
	return a, ok
}

func actorFrom(r *http.Request) leave.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: msg, Code: "unauthorized"})
}

// =============================================================================
// BEARER TOKENS
// =============================================================================

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims are the identity fields of an access token.
type Claims struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
	jwt.RegisteredClaims
}

type TokenAuth struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenAuth(secret, issuer string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for actor valid for ttl.
func (t *TokenAuth) Issue(actor leave.Actor, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		UserID:       string(actor.ID),
		Role:         string(actor.Role),
		DepartmentID: actor.DepartmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.ID),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *TokenAuth) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Middleware authenticates "Authorization: Bearer <token>".
func (t *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || raw == "" {
			unauthorized(w, "Missing bearer token")
			return
		}
		claims, err := t.Parse(raw)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				unauthorized(w, "Token expired")
				return
			}
			unauthorized(w, "Invalid token")
			return
		}
		actor := leave.Actor{
			ID:           leave.UserID(claims.UserID),
			Role:         leave.ParseRole(claims.Role),
			DepartmentID: claims.DepartmentID,
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// =============================================================================
// TRUSTED HEADERS
// =============================================================================

const (
	HeaderUserID     = "X-User-ID"
	HeaderUserRole   = "X-User-Role"
	HeaderDepartment = "X-User-Department"
)

// HeaderAuth reads the actor from X-User-* headers.
func HeaderAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			unauthorized(w, "Missing "+HeaderUserID+" header")
			return
		}
		actor := leave.Actor{
			ID:           leave.UserID(id),
			Role:         leave.ParseRole(r.Header.Get(HeaderUserRole)),
			DepartmentID: strings.TrimSpace(r.Header.Get(HeaderDepartment)),
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole refuses actors whose role is not listed.
func RequireRole(roles ...leave.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFrom(r)
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Role not allowed", Code: "forbidden"})
		})
	}
}

// =============================================================================
// ACCESS LOG
// =============================================================================

// AccessLog logs one line per request, at warn for 4xx and error for 5xx.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("ip", r.RemoteAddr),
				zap.Duration("latency", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			if actor, ok := ActorFrom(r.Context()); ok {
				fields = append(fields, zap.String("actor_id", string(actor.ID)))
			}

			switch {
			case status >= 500:
				logger.Error("request failed", fields...)
			case status >= 400:
				logger.Warn("client error", fields...)
			default:
				logger.Info("request completed", fields...)
			}
		})
	}
}

// =============================================================================
// RATE LIMIT
// =============================================================================

type ActorRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewActorRateLimiter(r rate.Limit, b int) *ActorRateLimiter {
	return &ActorRateLimiter{limiters: make(map[string]*rate.Limiter), r: r, b: b}
}

func (l *ActorRateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Middleware keys on the actor, or the remote address before identity.
func (l *ActorRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if actor, ok := ActorFrom(r.Context()); ok {
			key = "actor:" + string(actor.ID)
		}
		if !l.limiter(key).Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Too many requests", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
