package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"agentboard/internal/domain"
)

// AuthConfig carries the two static shared secrets plus the session token
// secret. Either scheme missing from config disables that scheme.
type AuthConfig struct {
	OwnerPassword string
	AgentAPIKey   string
	SessionSecret string
	SessionTTL    time.Duration
	Logger        *logrus.Logger
}

func (c AuthConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c AuthConfig) sessionTTL() time.Duration {
	if c.SessionTTL <= 0 {
		return time.Hour
	}
	return c.SessionTTL
}

// Principal is the authenticated actor plus the credential scheme that
// produced it.
type Principal struct {
	Actor  domain.Actor
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.AgentID != "" {
		return p.Actor, nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "authentication required")
}

// requireFounder gates owner-only routes (card deletion).
func requireFounder(ctx context.Context) huma.StatusError {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if actor.AgentRole != domain.RoleFounder {
		e := newAPIError(http.StatusForbidden, "forbidden")
		e.Reason = "this operation requires the owner credential"
		return e
	}
	return nil
}

func secretsEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func signSessionToken(secret string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("session secret not configured")
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   domain.Owner.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateSession(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("session secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	// Session tokens are only ever minted for the owner.
	return Principal{
		Actor:  domain.Actor{AgentID: claims.Subject, AgentRole: domain.RoleFounder},
		Source: "session",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "/health"):       true,
		path.Join(basePath, "/auth/session"): true,
		path.Join(basePath, "/openapi.json"): true,
		"/docs":                              true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			ownerPassword := strings.TrimSpace(req.Header.Get("x-owner-password"))
			apiKey := strings.TrimSpace(req.Header.Get("x-api-key"))
			authz := strings.TrimSpace(req.Header.Get("Authorization"))

			switch {
			case ownerPassword != "":
				if !secretsEqual(ownerPassword, cfg.OwnerPassword) {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid owner password"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{Actor: domain.Owner, Source: "owner_password"})))
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid credentials"))
					return
				}
				principal, err := authenticateSession(token, cfg.SessionSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid credentials"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case apiKey != "":
				if !secretsEqual(apiKey, cfg.AgentAPIKey) {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid api key"))
					return
				}
				principal := agentPrincipal(req, cfg)
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "authentication required"))
			}
		})
	}
}

// agentPrincipal derives the agent identity from request headers. Identity
// defaults to "unknown" and role to member when unspecified.
func agentPrincipal(req *http.Request, cfg AuthConfig) Principal {
	agentID := strings.TrimSpace(req.Header.Get("x-agent-id"))
	if agentID == "" {
		agentID = "unknown"
	}
	role := strings.TrimSpace(req.Header.Get("x-agent-role"))
	if role == "" {
		role = domain.RoleMember
	}
	if !domain.ValidRole(role) {
		cfg.logger().WithField("agent_role", role).Warn("unknown agent role header, defaulting to member")
		role = domain.RoleMember
	}
	return Principal{
		Actor:  domain.Actor{AgentID: agentID, AgentRole: role},
		Source: "api_key",
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
