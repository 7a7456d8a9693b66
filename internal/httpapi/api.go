package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

// ReadyProbe reports whether downstream dependencies can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the outer middleware chain.
type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateRPS        float64
	RateBurst      int
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.RateRPS <= 0 {
		o.RateRPS = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
	return o
}

// API is the HTTP layer over the identity service.
type API struct {
	mux        *http.ServeMux
	svc        *identity.Service
	readyProbe ReadyProbe
	version    string
	opts       Options
}

func New(svc *identity.Service, rp ReadyProbe, version string, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		opts:       opts.withDefaults(),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/sign-up", a.handleSignUp)
	a.mux.HandleFunc("/v1/auth/sign-in", a.handleSignIn)
	a.mux.HandleFunc("/v1/auth/sign-out", a.handleSignOut)
	a.mux.HandleFunc("/v1/auth/session", a.handleSession)
	a.mux.HandleFunc("/v1/auth/two-factor/verify", a.handleTwoFactorLoginVerify)
	a.mux.HandleFunc("/v1/auth/service-token", a.handleServiceToken)
	a.mux.HandleFunc("/v1/auth/active-organization", a.handleActiveOrganization)
	a.mux.HandleFunc("/v1/auth/stop-impersonating", a.handleStopImpersonating)

	a.mux.HandleFunc("/v1/users/me", a.handleMe)
	a.mux.HandleFunc("/v1/users/me/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/users/me/sessions", a.handleMySessions)
	a.mux.HandleFunc("/v1/users/me/sessions/", a.handleMySessionScoped)
	a.mux.HandleFunc("/v1/users/me/two-factor", a.handleTwoFactorStatus)
	a.mux.HandleFunc("/v1/users/me/two-factor/enable", a.handleTwoFactorEnable)
	a.mux.HandleFunc("/v1/users/me/two-factor/verify-enable", a.handleTwoFactorVerifyEnable)
	a.mux.HandleFunc("/v1/users/me/two-factor/disable", a.handleTwoFactorDisable)

	a.mux.HandleFunc("/v1/admin/users", a.handleAdminUsers)
	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUserScoped)

	a.mux.HandleFunc("/v1/organizations", a.handleOrganizations)
	a.mux.HandleFunc("/v1/organizations/check-slug", a.handleCheckSlug)
	a.mux.HandleFunc("/v1/organizations/", a.handleOrganizationScoped)

	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(a.opts.MaxBodyBytes)(h)
	h = RateLimit(a.opts.RateRPS, a.opts.RateBurst)(h)
	h = CORS(a.opts.AllowedOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tessera",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tessera",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
