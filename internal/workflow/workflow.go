// Package workflow holds the request status transition table and the
// legality checks applied before any change is persisted.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"request-portal/internal/model"
)

// ErrInvalidTransition is returned when the role, current state or a
// precondition does not allow the requested move.
var ErrInvalidTransition = errors.New("invalid transition")

// Rule is one row of the transition table.
type Rule struct {
	From  []string
	To    string
	Roles []string

	// RequiresPONumber applies to every request type except maintenance.
	RequiresPONumber      bool
	RequiresDeliveryProof bool
	RequiresShipment      bool // carrier or tracking code
}

var rules = []Rule{
	{
		From:  []string{model.StatusPending},
		To:    model.StatusNeedApproved,
		Roles: []string{model.RoleAdmin, model.RoleSupervisor},
	},
	{
		From:             []string{model.StatusNeedApproved},
		To:               model.StatusFinanceApproved,
		Roles:            []string{model.RoleAdmin},
		RequiresPONumber: true,
	},
	{
		From:  []string{model.StatusPending, model.StatusNeedApproved},
		To:    model.StatusRejected,
		Roles: []string{model.RoleAdmin, model.RoleSupervisor},
	},
	{
		From:  []string{model.StatusFinanceApproved},
		To:    model.StatusInProgress,
		Roles: []string{model.RoleAdmin, model.RoleManager},
	},
	{
		From:                  []string{model.StatusInProgress},
		To:                    model.StatusAwaitingDelivery,
		Roles:                 []string{model.RoleAdmin, model.RoleManager},
		RequiresDeliveryProof: true,
		RequiresShipment:      true,
	},
	{
		From:                  []string{model.StatusInProgress},
		To:                    model.StatusCompleted,
		Roles:                 []string{model.RoleAdmin, model.RoleManager},
		RequiresDeliveryProof: true,
	},
	{
		From:  []string{model.StatusAwaitingDelivery},
		To:    model.StatusCompleted,
		Roles: []string{model.RoleAdmin, model.RoleManager},
	},
}

var statuses = []string{
	model.StatusPending,
	model.StatusNeedApproved,
	model.StatusFinanceApproved,
	model.StatusInProgress,
	model.StatusAwaitingDelivery,
	model.StatusCompleted,
	model.StatusRejected,
}

// Statuses lists every workflow status.
func Statuses() []string {
	out := make([]string, len(statuses))
	copy(out, statuses)
	return out
}

// ValidStatus reports whether s is a workflow status.
func ValidStatus(s string) bool {
	return contains(statuses, s)
}

// IsTerminal reports whether no transition leaves status s.
func IsTerminal(s string) bool {
	return s == model.StatusCompleted || s == model.StatusRejected
}

// Lookup returns the rule for a move from one status to another.
func Lookup(from, to string) (Rule, bool) {
	for _, r := range rules {
		if r.To == to && contains(r.From, from) {
			return r, true
		}
	}
	return Rule{}, false
}

// Targets returns the statuses the given role may move a request to from status from.
func Targets(from, role string) []string {
	var out []string
	for _, r := range rules {
		if contains(r.From, from) && contains(r.Roles, role) {
			out = append(out, r.To)
		}
	}
	return out
}

// Attempt describes a requested transition together with the facts the
// preconditions are checked against.
type Attempt struct {
	RequestType      string
	From             string
	To               string
	Role             string
	Comment          string
	PONumber         string
	HasDeliveryProof bool
	Carrier          string
	TrackingCode     string
}

// Check validates an attempt against the transition table. Every failure
// wraps ErrInvalidTransition.
func Check(a Attempt) (Rule, error) {
	rule, ok := Lookup(a.From, a.To)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s -> %s is not allowed", ErrInvalidTransition, a.From, a.To)
	}
	if !contains(rule.Roles, a.Role) {
		return Rule{}, fmt.Errorf("%w: role %q cannot move a request from %s to %s", ErrInvalidTransition, a.Role, a.From, a.To)
	}
	if strings.TrimSpace(a.Comment) == "" {
		return Rule{}, fmt.Errorf("%w: a comment is required", ErrInvalidTransition)
	}
	if rule.RequiresPONumber {
		po := strings.TrimSpace(a.PONumber)
		switch {
		case a.RequestType == model.RequestTypeMaintenance && po != "":
			return Rule{}, fmt.Errorf("%w: maintenance requests do not take a PO number", ErrInvalidTransition)
		case a.RequestType != model.RequestTypeMaintenance && po == "":
			return Rule{}, fmt.Errorf("%w: a PO number is required for finance approval", ErrInvalidTransition)
		}
	}
	if rule.RequiresDeliveryProof && !a.HasDeliveryProof {
		return Rule{}, fmt.Errorf("%w: a delivery proof must be uploaded", ErrInvalidTransition)
	}
	if rule.RequiresShipment && strings.TrimSpace(a.Carrier) == "" && strings.TrimSpace(a.TrackingCode) == "" {
		return Rule{}, fmt.Errorf("%w: a carrier or tracking code is required", ErrInvalidTransition)
	}
	return rule, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
