package domain

import "strings"

// IdentityContext identifies the caller of one request.
// Built once per request and never mutated.
type IdentityContext struct {
	UserID    string `json:"userId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Validate checks that at least one identifier can be resolved.
func (c IdentityContext) Validate() error {
	if c.Identifier() == "" {
		return NewValidationError("identity", "one of userId, deviceId or ipAddress is required")
	}
	return nil
}

// Identifier returns the most specific store identifier for the caller:
// user, then device, then IP.
func (c IdentityContext) Identifier() string {
	switch {
	case c.UserID != "":
		return "user:" + c.UserID
	case c.DeviceID != "":
		return "device:" + c.DeviceID
	case c.IPAddress != "":
		return "ip:" + strings.ReplaceAll(c.IPAddress, ":", "_")
	default:
		return ""
	}
}

// IsAuthenticated reports whether the caller carries a user id.
func (c IdentityContext) IsAuthenticated() bool {
	return c.UserID != ""
}
