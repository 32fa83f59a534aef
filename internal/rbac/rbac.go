// Package rbac maps team roles to the actions they may perform.
package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	// ActionManage covers team membership, project deletion and removing
	// other members' files.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}

// Valid reports whether role is one of the known team roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}
