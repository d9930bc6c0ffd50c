package rbac

type Role string
type Action string

const (
	RoleClient     Role = "client"
	RoleTherapist  Role = "therapist"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionRestore  Action = "restore"
	ActionGenerate Action = "generate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return action == ActionRead || action == ActionWrite || action == ActionRestore || action == ActionGenerate
	case RoleTherapist:
		return action == ActionRead || action == ActionWrite || action == ActionRestore || action == ActionGenerate
	case RoleClient:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleTherapist, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
