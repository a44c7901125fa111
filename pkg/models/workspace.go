package models

import "time"

// WorkspaceStatus represents the lifecycle of an isolated working copy.
type WorkspaceStatus string

const (
	// WorkspaceActive is in use by a work unit.
	WorkspaceActive WorkspaceStatus = "active"
	// WorkspaceFinalized has had its branch pushed for integration.
	WorkspaceFinalized WorkspaceStatus = "finalized"
	// WorkspaceAbandoned was given up on; its contents are not integrated.
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// Workspace maps a work unit to an isolated, branch-scoped working copy.
type Workspace struct {
	UnitID    string          `json:"unitId"`
	Path      string          `json:"path"`
	Branch    string          `json:"branch"`
	BaseRef   string          `json:"baseRef,omitempty"`
	Status    WorkspaceStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
