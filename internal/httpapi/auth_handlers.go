package httpapi

import (
	"net/http"
	"time"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

type signUpRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token   string            `json:"token,omitempty"`
	Session *identity.Session `json:"session"`
	User    *identity.User    `json:"user,omitempty"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	user, err := a.svc.CreateUser(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	issued, err := a.svc.CreateSession(r.Context(), user.ID, r.UserAgent())
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	obs.SessionIssued("signup")
	a.audit(r.Context(), "auth.sign_up", map[string]any{
		"new_user_id": user.ID,
	})
	writeJSON(w, http.StatusCreated, sessionResponse{
		Token:   issued.Token,
		Session: issued.Session,
		User:    user,
	})
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	issued, err := a.svc.SignIn(r.Context(), req.Email, req.Password, r.UserAgent())
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	obs.SessionIssued("credential")
	a.audit(r.Context(), "auth.sign_in", map[string]any{
		"session_user_id":    issued.Session.UserID,
		"two_factor_pending": issued.Session.TwoFactorPending,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:   issued.Token,
		Session: issued.Session,
	})
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if err := a.svc.SignOut(r.Context(), token); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	obs.SessionRevoked()
	a.audit(r.Context(), "auth.sign_out", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Session: p.Session,
		User:    p.User,
	})
}

type twoFactorVerifyRequest struct {
	Code string `json:"code"`
}

func (a *API) handleTwoFactorLoginVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req twoFactorVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.svc.Verify(r.Context(), p.User.ID, p.Session.ID, req.Code); err != nil {
		obs.TwoFactorFailure()
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.two_factor.verify", nil)
	w.WriteHeader(http.StatusNoContent)
}

type serviceTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type serviceTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleServiceToken mints a short-lived signed token for backend consumers
// that cannot hold a session, such as audit pipelines.
func (a *API) handleServiceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.svc.SupportsServiceTokens() {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "service tokens are not configured")
		return
	}
	ttl := 15 * time.Minute
	if r.ContentLength > 0 {
		var req serviceTokenRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
			if ttl > time.Hour {
				ttl = time.Hour
			}
		}
	}
	token, err := a.svc.IssueServiceToken(p, ttl)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.service_token.issue", map[string]any{
		"ttl_seconds": int(ttl.Seconds()),
	})
	writeJSON(w, http.StatusOK, serviceTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}

type activeOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

func (a *API) handleActiveOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req activeOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.svc.SetActiveOrganization(r.Context(), p, req.OrganizationID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.active_organization.set", map[string]any{
		"organization_id": req.OrganizationID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleStopImpersonating ends an impersonated session. The admin keeps
// their own original session; only the borrowed one is revoked.
func (a *API) handleStopImpersonating(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if p.Session.ImpersonatedBy == "" {
		writeError(w, r, http.StatusConflict, "invalid_state", "session is not impersonated")
		return
	}
	token, _ := identity.TokenFromContext(r.Context())
	if err := a.svc.RevokeSession(r.Context(), token); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	obs.SessionRevoked()
	a.audit(r.Context(), "auth.impersonation.stop", map[string]any{
		"impersonated_user_id": p.User.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}
