package api

import (
	"net/http"

	"github.com/sentra-project/sentra/internal/core"
)

// requireRole enforces that the caller holds one of the listed roles. With
// auth disabled there is no principal and every request passes. Writes the
// 403 itself and returns false on denial.
func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	p := principalFrom(r)
	if p == nil {
		return true
	}
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "role "+p.Role+" may not perform this operation")
	return false
}

// approverName returns the identity recorded on approval decisions.
func approverName(r *http.Request) string {
	if p := principalFrom(r); p != nil {
		return p.Name
	}
	return "anonymous"
}

// canDecide reports whether the principal may approve or reject the given
// action type. Admins and security analysts decide anything; network
// engineers decide network containment actions only.
func canDecide(p *core.PrincipalConfig, t core.ActionType) bool {
	if p == nil {
		return true
	}
	switch p.Role {
	case core.RoleAdmin, core.RoleSecurityAnalyst:
		return true
	case core.RoleNetworkEngineer:
		return t == core.ActionBlockIP || t == core.ActionIsolateHost
	}
	return false
}
