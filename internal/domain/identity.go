package domain

// Role is the standing of a member inside a room.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleMod         Role = "mod"
	RoleViewer      Role = "viewer"
	RoleAgent       Role = "agent"
)

// Exempt reports whether the role bypasses slow mode.
func (r Role) Exempt() bool {
	return r == RoleBroadcaster || r == RoleMod
}

// Identity is who a connection or subscriber speaks as.
type Identity struct {
	UserID    string
	Username  string
	IsAgent   bool
	Anonymous bool
}

// Source tags chat on the event bus so agents can tell human from agent origin.
func (i *Identity) Source() string {
	if i.IsAgent {
		return SourceAgent
	}
	return SourceHuman
}

const (
	SourceHuman = "human"
	SourceAgent = "agent"
)
