package models

import "slices"

// Permissions carried by a principal.
const (
	PermManagePayments   = "payments:manage"
	PermInitiatePayments = "payments:initiate"
	PermAdmin            = "payments:admin"
)

const RoleAdmin = "admin"

// Principal is an already-authenticated caller. Identity resolution happens
// upstream; this service only checks the permission set it is handed.
type Principal struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Can reports whether the principal carries perm. The admin role implies all.
func (p *Principal) Can(perm string) bool {
	if p == nil {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return slices.Contains(p.Permissions, perm)
}
