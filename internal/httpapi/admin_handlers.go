package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := identity.UserFilter{
		Role: identity.GlobalRole(q.Get("role")),
	}
	if v := q.Get("banned"); v != "" {
		banned, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "banned must be true or false")
			return
		}
		filter.Banned = &banned
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	users, total, err := a.svc.ListUsers(r.Context(), p.User.ID, filter)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"total": total,
	})
}

type banUserRequest struct {
	Reason           string `json:"reason"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleAdminUserScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			user, err := a.svc.GetUserAsAdmin(r.Context(), p.User.ID, userID)
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, user)
		case http.MethodDelete:
			if err := a.svc.DeleteUser(r.Context(), p.User.ID, userID); err != nil {
				handleIdentityError(w, r, err)
				return
			}
			a.audit(r.Context(), "admin.user.delete", map[string]any{
				"target_user_id": userID,
			})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch strings.Join(parts[1:], "/") {
	case "ban":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req banUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		var expiresAt *time.Time
		if req.ExpiresInSeconds > 0 {
			t := time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
			expiresAt = &t
		}
		if err := a.svc.BanUser(r.Context(), p.User.ID, userID, req.Reason, expiresAt); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "admin.user.ban", map[string]any{
			"target_user_id": userID,
			"reason":         req.Reason,
		})
		w.WriteHeader(http.StatusNoContent)
	case "unban":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.svc.UnbanUser(r.Context(), p.User.ID, userID); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "admin.user.unban", map[string]any{
			"target_user_id": userID,
		})
		w.WriteHeader(http.StatusNoContent)
	case "role":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req setRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		if err := a.svc.SetGlobalRole(r.Context(), p.User.ID, userID, identity.GlobalRole(req.Role)); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "admin.user.set_role", map[string]any{
			"target_user_id": userID,
			"role":           req.Role,
		})
		w.WriteHeader(http.StatusNoContent)
	case "impersonate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		issued, err := a.svc.Impersonate(r.Context(), p.User.ID, userID, r.UserAgent())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.SessionIssued("impersonation")
		a.audit(r.Context(), "admin.user.impersonate", map[string]any{
			"target_user_id": userID,
		})
		writeJSON(w, http.StatusCreated, sessionResponse{
			Token:   issued.Token,
			Session: issued.Session,
		})
	case "sessions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		sessions, err := a.svc.ListUserSessions(r.Context(), p.User.ID, userID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessions,
		})
	case "sessions/revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		n, err := a.svc.RevokeAllSessions(r.Context(), p.User.ID, userID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.SessionsRevoked(n)
		a.audit(r.Context(), "admin.user.sessions.revoke_all", map[string]any{
			"target_user_id": userID,
			"revoked":        n,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"revoked": n,
		})
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}
