package httpapi

import (
	"net/http"
	"strings"

	"tessera.org/internal/obs"
)

// handleInvitationScoped serves invitation reads and lifecycle transitions.
// The read is public: the invitation id acts as the capability mailed to
// the recipient.
func (a *API) handleInvitationScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invitations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	invitationID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		inv, err := a.svc.GetInvitation(r.Context(), invitationID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	switch parts[1] {
	case "accept":
		membership, err := a.svc.AcceptInvitation(r.Context(), p.User.ID, invitationID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.InvitationTransition("accepted")
		a.audit(r.Context(), "invitation.accept", map[string]any{
			"invitation_id":   invitationID,
			"organization_id": membership.OrganizationID,
		})
		writeJSON(w, http.StatusOK, membership)
	case "reject":
		if err := a.svc.RejectInvitation(r.Context(), p.User.ID, invitationID); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.InvitationTransition("rejected")
		a.audit(r.Context(), "invitation.reject", map[string]any{
			"invitation_id": invitationID,
		})
		w.WriteHeader(http.StatusNoContent)
	case "cancel":
		if err := a.svc.CancelInvitation(r.Context(), p.User.ID, invitationID); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.InvitationTransition("canceled")
		a.audit(r.Context(), "invitation.cancel", map[string]any{
			"invitation_id": invitationID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}
