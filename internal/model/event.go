package model

// ErrorEvent is sent as an `event: error` frame when a stream fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionRequest carries an upstream API key to verify.
type SessionRequest struct {
	APIKey string `json:"apiKey"`
}

// Profile is the verified upstream account of a credential.
type Profile struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
	Tier  string `json:"tier,omitempty"`
}
