package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

type createOrganizationRequest struct {
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	LogoURI string `json:"logo_uri"`
}

type updateOrganizationRequest struct {
	Name    *string `json:"name"`
	LogoURI *string `json:"logo_uri"`
}

type inviteMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		orgs, err := a.svc.ListOrganizations(r.Context(), p.User.ID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"organizations": orgs,
		})
	case http.MethodPost:
		var req createOrganizationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		org, err := a.svc.CreateOrganization(r.Context(), p.User.ID, req.Name, req.Slug, req.LogoURI)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "organization.create", map[string]any{
			"organization_id": org.ID,
			"slug":            org.Slug,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
		writeJSON(w, http.StatusCreated, org)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCheckSlug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	available, err := a.svc.CheckSlug(r.Context(), r.URL.Query().Get("slug"))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": available,
	})
}

func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/organizations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	orgID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			full, err := a.svc.GetFullOrganization(r.Context(), p.User.ID, orgID)
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, full)
		case http.MethodPatch:
			var req updateOrganizationRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
				return
			}
			org, err := a.svc.UpdateOrganization(r.Context(), p.User.ID, orgID, identity.OrganizationUpdate{
				Name:    req.Name,
				LogoURI: req.LogoURI,
			})
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
			a.audit(r.Context(), "organization.update", map[string]any{
				"organization_id": orgID,
			})
			writeJSON(w, http.StatusOK, org)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
		return
	}

	switch parts[1] {
	case "members":
		if len(parts) != 3 {
			writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
			return
		}
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		memberID := parts[2]
		if err := a.svc.RemoveMember(r.Context(), p.User.ID, orgID, memberID); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.audit(r.Context(), "organization.member.remove", map[string]any{
			"organization_id": orgID,
			"member_user_id":  memberID,
		})
		w.WriteHeader(http.StatusNoContent)
	case "invitations":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req inviteMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		inv, err := a.svc.InviteMember(r.Context(), p.User.ID, orgID, req.Email, identity.OrgRole(req.Role))
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.InvitationTransition(string(inv.Status))
		a.audit(r.Context(), "organization.invitation.create", map[string]any{
			"organization_id": orgID,
			"invitation_id":   inv.ID,
			"role":            inv.Role,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/invitations/%s", inv.ID))
		writeJSON(w, http.StatusCreated, inv)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}
