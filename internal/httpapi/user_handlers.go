package httpapi

import (
	"net/http"
	"strings"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Image *string `json:"image"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, p.User)
	case http.MethodPatch:
		var req updateProfileRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		user, err := a.svc.UpdateProfile(r.Context(), p.User.ID, identity.ProfileUpdate{
			Name:  req.Name,
			Image: req.Image,
		})
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "user.profile.update", nil)
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

type changePasswordRequest struct {
	CurrentPassword     string `json:"current_password"`
	NewPassword         string `json:"new_password"`
	RevokeOtherSessions bool   `json:"revoke_other_sessions"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	err := a.svc.ChangePassword(r.Context(), p.User.ID, req.CurrentPassword, req.NewPassword, p.Session.ID, req.RevokeOtherSessions)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.password.change", map[string]any{
		"revoke_other_sessions": req.RevokeOtherSessions,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMySessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	sessions, err := a.svc.ListSessions(r.Context(), p.User.ID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

func (a *API) handleMySessionScoped(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/me/sessions/"), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := a.svc.RevokeSessionByID(r.Context(), p.User.ID, sessionID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	obs.SessionRevoked()
	a.audit(r.Context(), "session.revoke", map[string]any{
		"session_id": sessionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	state, err := a.svc.TwoFactorStatus(r.Context(), p.User.ID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": state,
	})
}

type twoFactorPasswordRequest struct {
	Password string `json:"password"`
}

func (a *API) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req twoFactorPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	setup, err := a.svc.BeginEnable(r.Context(), p.User.ID, req.Password)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "two_factor.enable.begin", nil)
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) handleTwoFactorVerifyEnable(w http.ResponseWriter, r *http.Request) {
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
	if err := a.svc.VerifyEnable(r.Context(), p.User.ID, req.Code); err != nil {
		obs.TwoFactorFailure()
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "two_factor.enable.verify", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req twoFactorPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.svc.Disable(r.Context(), p.User.ID, req.Password); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "two_factor.disable", nil)
	w.WriteHeader(http.StatusNoContent)
}
