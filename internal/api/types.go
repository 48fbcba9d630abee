package api

// CreateWorkbenchRequest is the JSON body for POST /workbenches.
type CreateWorkbenchRequest struct {
	Name string `json:"name"`
}

// CreateDraftRequest is the JSON body for POST /workbenches/{id}/draft.
type CreateDraftRequest struct {
	Source string `json:"source,omitempty"`
}

// CreateCheckpointRequest is the JSON body for POST /workbenches/{id}/checkpoints.
type CreateCheckpointRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// RevisionRequest names a head pointer for snapshot and rewind calls.
type RevisionRequest struct {
	HeadPointer string `json:"head_pointer"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workbenches   int    `json:"workbenches"`
}

// ActiveAreaResponse reports which area reads and writes resolve to.
type ActiveAreaResponse struct {
	ActiveArea string `json:"active_area"`
}
