package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Auth authenticates verification operators. Browser sessions ride a
// hashed cookie backed by Postgres; CI and other automation authenticate
// per request with the configured admin token. Logins and logouts land in
// the same audit trail as the runs they authorize.
type Auth struct {
	pool       *pgxpool.Pool
	store      Store
	adminToken string
	cookieName string
	sessionTTL time.Duration
}

func NewAuth(pool *pgxpool.Pool, store Store, cfg ServerConfig) *Auth {
	ttl := 8 * time.Hour
	if parsed, err := time.ParseDuration(strings.TrimSpace(cfg.Auth.SessionTTL)); err == nil && parsed > 0 {
		ttl = parsed
	}
	return &Auth{
		pool:       pool,
		store:      store,
		adminToken: strings.TrimSpace(cfg.Security.AdminToken),
		cookieName: firstNonEmpty(strings.TrimSpace(cfg.Auth.CookieName), "verify_session"),
		sessionTTL: ttl,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	ipHash, uaHash := actorHashes(r)
	principal, ok := a.checkCredentials(r.Context(), username, req.Password)
	if !ok {
		a.audit(AuditEvent{
			ActorType: "operator",
			ActorSub:  username,
			Action:    "auth.login",
			Result:    "denied",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.issueSession(r.Context(), principal.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	a.setSessionCookie(w, r, token, int(a.sessionTTL.Seconds()))
	a.audit(AuditEvent{
		ActorType: principal.Role,
		ActorSub:  principal.Username,
		Action:    "auth.login",
		Result:    "success",
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": principal.Role})
}

func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if principal, err := a.principalFromCookie(r); err == nil {
		actor = principal.Username
	}
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" && a.pool != nil {
		_, _ = a.pool.Exec(r.Context(), `DELETE FROM sessions WHERE token_hash=$1`, sha256Hex(cookie.Value))
	}
	a.setSessionCookie(w, r, "", -1)

	ipHash, uaHash := actorHashes(r)
	a.audit(AuditEvent{
		ActorType: "operator",
		ActorSub:  actor,
		Action:    "auth.logout",
		Result:    "ok",
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := a.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"principal":     principal,
	})
}

func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		if principal.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *Auth) AuthenticateRequest(r *http.Request) (Principal, error) {
	if principal, err := a.principalFromCookie(r); err == nil {
		return principal, nil
	}
	if principal, err := a.principalFromAdminToken(r); err == nil {
		return principal, nil
	}
	return Principal{}, errors.New("no valid session")
}

func (a *Auth) checkCredentials(ctx context.Context, username, password string) (Principal, bool) {
	if a.pool == nil {
		return Principal{}, false
	}
	var id, hash, role string
	err := a.pool.QueryRow(ctx,
		`SELECT id, password_hash, role FROM users WHERE username=$1`, username).Scan(&id, &hash, &role)
	if err != nil {
		return Principal{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Principal{}, false
	}
	return Principal{Subject: id, Username: username, Role: role}, true
}

func (a *Auth) issueSession(ctx context.Context, userID string) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	// opportunistic cleanup keeps the table from accumulating dead rows
	_, _ = a.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		sha256Hex(token), userID, time.Now().Add(a.sessionTTL))
	if err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	return token, nil
}

func (a *Auth) principalFromCookie(r *http.Request) (Principal, error) {
	if a.pool == nil {
		return Principal{}, errors.New("no session backend")
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Principal{}, errors.New("no session cookie")
	}
	var principal Principal
	err = a.pool.QueryRow(r.Context(),
		`SELECT u.id, u.username, u.role FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash=$1 AND s.expires_at > now()`,
		sha256Hex(cookie.Value)).Scan(&principal.Subject, &principal.Username, &principal.Role)
	if err != nil {
		return Principal{}, errors.New("session expired or unknown")
	}
	return principal, nil
}

func (a *Auth) principalFromAdminToken(r *http.Request) (Principal, error) {
	if a.adminToken == "" {
		return Principal{}, errors.New("admin token not configured")
	}
	presented := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if presented == "" {
		if header := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(header), "bearer ") {
			presented = strings.TrimSpace(header[7:])
		}
	}
	if presented == "" || !constantEqual(presented, a.adminToken) {
		return Principal{}, errors.New("admin token mismatch")
	}
	return Principal{Subject: "admin-token", Username: "admin-token", Role: "admin"}, nil
}

func (a *Auth) setSessionCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (a *Auth) audit(event AuditEvent) {
	if a.store == nil {
		return
	}
	_ = a.store.AppendAudit(event)
}

// SeedUser creates or updates an operator account and records the change
// in the audit trail.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, store Store, username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET password_hash=$2, role=$3, updated_at=now()`,
		username, string(hash), role)
	if err != nil {
		return err
	}
	if store != nil {
		_ = store.AppendAudit(AuditEvent{
			ActorType: "system",
			ActorSub:  username,
			Action:    "user.seed",
			Result:    "ok",
			Detail:    "role=" + role,
		})
	}
	return nil
}

type principalContextKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(principalContextKey{})
	principal, ok := value.(Principal)
	return principal, ok
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
