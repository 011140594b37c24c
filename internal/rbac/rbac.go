package rbac

type Role string
type Action string

const (
	RoleOwner     Role = "OWNER"
	RoleEditor    Role = "EDITOR"
	RoleCommenter Role = "COMMENTER"
	RoleViewer    Role = "VIEWER"
	RoleNone      Role = "NONE"
)

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionEdit    Action = "edit"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionComment || action == ActionEdit
	case RoleCommenter:
		return action == ActionView || action == ActionComment
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

// RoleFor resolves the effective role of a user on a project. Ownership is
// checked against the project's owner id and always wins; otherwise the
// collaborator row's role applies, or NONE when no row exists.
func RoleFor(ownerID, userID string, collaboratorRole Role, hasRow bool) Role {
	if ownerID != "" && ownerID == userID {
		return RoleOwner
	}
	if !hasRow {
		return RoleNone
	}
	return Normalize(collaboratorRole)
}

// Normalize clamps a stored collaborator role to the grantable set. OWNER is
// never stored as a collaborator row, so it normalizes to VIEWER like any
// other unknown value.
func Normalize(role Role) Role {
	switch role {
	case RoleViewer, RoleCommenter, RoleEditor:
		return role
	default:
		return RoleViewer
	}
}

// Grantable reports whether a role may be assigned to a collaborator row.
func Grantable(role Role) bool {
	switch role {
	case RoleViewer, RoleCommenter, RoleEditor:
		return true
	default:
		return false
	}
}
