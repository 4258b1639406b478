// Package role defines the closed set of account roles and what each one is
// allowed to do.
package role

import "strings"

// Role is an account role. Values outside the known set parse without error
// but carry no capabilities, so the gate rejects them.
type Role string

const (
	SuperAdmin     Role = "super_admin"
	ClubAdmin      Role = "club_admin"
	ClubAdminCoach Role = "club_admin_coach"
	Coach          Role = "coach"
	ViewOnly       Role = "view_only"
)

// Pool names the seat pool a role draws from. Pool values match the
// subscription type that funds the pool.
type Pool string

const (
	PoolNone  Pool = ""
	PoolCoach Pool = "coach_account"
	PoolView  Pool = "view_only"
)

// Capabilities is one row of the role capability table.
type Capabilities struct {
	DashboardAccess    bool
	SubscriptionExempt bool
	Invitable          bool
	ClubAdmin          bool
	Pool               Pool
}

var table = map[Role]Capabilities{
	SuperAdmin: {
		DashboardAccess:    true,
		SubscriptionExempt: true,
	},
	ClubAdmin: {
		DashboardAccess: true,
		Invitable:       true,
		ClubAdmin:       true,
	},
	ClubAdminCoach: {
		DashboardAccess: true,
		Invitable:       true,
		ClubAdmin:       true,
		Pool:            PoolCoach,
	},
	Coach: {
		DashboardAccess: true,
		Invitable:       true,
		Pool:            PoolCoach,
	},
	ViewOnly: {
		DashboardAccess: true,
		Invitable:       true,
		Pool:            PoolView,
	},
}

// Parse normalises s into a Role.
func Parse(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether r is one of the defined roles.
func (r Role) Known() bool {
	_, ok := table[r]
	return ok
}

// Capabilities returns the capability row for r. Unknown roles get the zero
// value.
func (r Role) Capabilities() Capabilities {
	return table[r]
}

func (r Role) String() string { return string(r) }

// All returns every known role in a stable order.
func All() []Role {
	return []Role{SuperAdmin, ClubAdmin, ClubAdminCoach, Coach, ViewOnly}
}

// Members returns the roles that draw seats from p.
func (p Pool) Members() []Role {
	if p == PoolNone {
		return nil
	}
	var out []Role
	for _, r := range All() {
		if table[r].Pool == p {
			out = append(out, r)
		}
	}
	return out
}
