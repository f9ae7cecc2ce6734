package contracts

// Principal is the identity a grant is issued to or matched against.
// SessionID and WorkspaceID are optional narrowing scopes: a grant that
// pins one matches only requests carrying the same value, while a grant
// that leaves it empty matches any.
type Principal struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}
