package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionCreateTask     Action = "create_task"
	ActionMoveTask       Action = "move_task"
	ActionDeleteTask     Action = "delete_task"
	ActionManageSections Action = "manage_sections"
	ActionManageMembers  Action = "manage_members"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionCreateTask || action == ActionMoveTask || action == ActionDeleteTask
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored role to a Role. Anything unknown, including the
// empty role of a non-member, grants nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleNone
	}
}
