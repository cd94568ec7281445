package api

// StartCallRequest is the payload for POST /api/v1/calls.
type StartCallRequest struct {
	ConversationID string `json:"conversation_id"`
	Tier           string `json:"tier"`
	DeviceClass    string `json:"device_class"`
}

// HealthResponse reports service and upstream engine health.
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Upstream string `json:"upstream"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
