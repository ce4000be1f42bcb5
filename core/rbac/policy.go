package rbac

import (
	"fmt"

	"evidence-ledger/core/store"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

const (
	ActTransition = "transition"
	ActRoute      = "route"
	ActCreate     = "create"
	ActErase      = "erase"
	ActSave       = "save"
	ActAppend     = "append"
)

type rule struct {
	role store.Role
	obj  string
	act  string
}

// defaultRules mirrors the incident lifecycle: who may drive each edge.
var defaultRules = []rule{
	{store.RoleAnalyst, EdgeObject(store.StatusPending, store.StatusReviewed), ActTransition},
	{store.RolePolice, EdgeObject(store.StatusPending, store.StatusReviewed), ActTransition},
	{store.RoleAdmin, EdgeObject(store.StatusPending, store.StatusReviewed), ActTransition},

	{store.RolePolice, EdgeObject(store.StatusReviewed, store.StatusEscalated), ActTransition},
	{store.RoleAdmin, EdgeObject(store.StatusReviewed, store.StatusEscalated), ActTransition},
	{store.RoleSystem, EdgeObject(store.StatusReviewed, store.StatusEscalated), ActTransition},

	{store.RolePolice, EdgeObject(store.StatusReviewed, store.StatusDismissed), ActTransition},
	{store.RoleAdmin, EdgeObject(store.StatusReviewed, store.StatusDismissed), ActTransition},

	{store.RolePolice, EdgeObject(store.StatusEscalated, store.StatusResolved), ActTransition},
	{store.RoleAdmin, EdgeObject(store.StatusEscalated, store.StatusResolved), ActTransition},
	{store.RolePolice, EdgeObject(store.StatusDismissed, store.StatusResolved), ActTransition},
	{store.RoleAdmin, EdgeObject(store.StatusDismissed, store.StatusResolved), ActTransition},

	{store.RolePolice, store.EntityIncident, ActRoute},
	{store.RoleAdmin, store.EntityIncident, ActRoute},
	{store.RoleSystem, store.EntityIncident, ActRoute},
	{store.RoleAdmin, store.EntityStation, ActCreate},
	{store.RoleAdmin, store.EntityUser, ActErase},
	{store.RoleSystem, store.EntityFIRKit, ActSave},
	{store.RoleAdmin, store.EntityFIRKit, ActSave},
	{store.RolePolice, store.EntityFIRKit, ActSave},

	// Risk entries come from the scoring service, which calls in as analyst or admin.
	{store.RoleAnalyst, store.EntityRisk, ActAppend},
	{store.RoleAdmin, store.EntityRisk, ActAppend},
	{store.RoleSystem, store.EntityRisk, ActAppend},
}

type Policy struct {
	enforcer *casbin.Enforcer
}

func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	for _, r := range defaultRules {
		if _, err := e.AddPolicy(string(r.role), r.obj, r.act); err != nil {
			return nil, fmt.Errorf("rbac policy %s %s %s: %w", r.role, r.obj, r.act, err)
		}
	}
	return &Policy{enforcer: e}, nil
}

func (p *Policy) Allowed(role store.Role, obj, act string) bool {
	if p == nil || p.enforcer == nil || role == "" {
		return false
	}
	ok, err := p.enforcer.Enforce(string(role), obj, act)
	return err == nil && ok
}

func (p *Policy) CanTransition(role store.Role, from, to store.Status) bool {
	return p.Allowed(role, EdgeObject(from, to), ActTransition)
}

func EdgeObject(from, to store.Status) string {
	return "incident:" + string(from) + "->" + string(to)
}
