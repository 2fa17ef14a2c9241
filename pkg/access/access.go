package access

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("access", fx.Provide(ProvideEnforcer))

// Objects and actions guarded by the enforcer.
const (
	ObjectLink       = "link"
	ObjectCommission = "commission"
	ObjectPayout     = "payout"
	ObjectQuarantine = "quarantine"

	ActionDeactivate   = "deactivate"
	ActionOverride     = "override"
	ActionForceApprove = "force_approve"
	ActionReject       = "reject"
	ActionBuildBatch   = "build_batch"
	ActionReconcile    = "reconcile"
	ActionReadAny      = "read_any"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Policy rows are compiled in: the role set is fixed (influencer, merchant,
// admin) and the capability matrix is part of the product, not deployment
// config.
var policies = [][]string{
	{"influencer", ObjectLink, ActionDeactivate},
	{"merchant", ObjectLink, ActionDeactivate},
	{"admin", ObjectLink, ActionDeactivate},
	{"admin", ObjectCommission, ActionForceApprove},
	{"admin", ObjectCommission, ActionReject},
	{"admin", ObjectCommission, ActionOverride},
	{"admin", ObjectPayout, ActionBuildBatch},
	{"admin", ObjectPayout, ActionReconcile},
	{"admin", ObjectQuarantine, ActionReadAny},
}

// Enforcer answers capability questions for the admin and owner surfaces.
type Enforcer interface {
	Can(role, object, action string) bool
}

type enforcer struct {
	e *casbin.Enforcer
}

func ProvideEnforcer() (Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, err
		}
	}

	return &enforcer{e: e}, nil
}

func (s *enforcer) Can(role, object, action string) bool {
	ok, err := s.e.Enforce(role, object, action)
	if err != nil {
		zap.L().Error("casbin enforce failed", zap.Error(err))
		return false
	}
	return ok
}
