package sentiosdk

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Credential Types
// ============================================================================

// CredentialPair is one access/refresh token pair with its derived expiry.
// ExpiresAt already includes the safety margin: consumers treat the access
// token as expired slightly before the authority actually invalidates it.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenResponse is the authority's token payload, returned by both the
// login and refresh endpoints.
type TokenResponse struct {
	// AccessToken is the short-lived token used to authenticate API requests
	AccessToken string `json:"access_token"`

	// RefreshToken is the longer-lived token used solely to obtain new access tokens
	RefreshToken string `json:"refresh_token"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int `json:"expires_in"`
}

// User identifies the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// LoginResponse is returned by the authority's login endpoint.
type LoginResponse struct {
	User User `json:"user"`
	TokenResponse
}

// ============================================================================
// Stream Types
// ============================================================================

// Stream message types recognized by the client. Anything else is logged
// and dropped.
const (
	messageTypeSubscribed = "subscribed"
	messageTypeUpdate     = "emotion_update"
	messageTypeAlert      = "alert"
	messageTypePong       = "pong"
	messageTypeError      = "error"
)

// Stream control actions sent by the client.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// envelope carries the discriminator for incoming stream messages. The
// payload is decoded in a second pass once the type is known.
type envelope struct {
	Type string `json:"type"`
}

// controlMessage is a client -> server stream message.
type controlMessage struct {
	Action   string `json:"action"`
	TargetID string `json:"target_id,omitempty"`
}

// Update is one emotion reading for a subscription target. Live and
// synthesized updates share this shape.
type Update struct {
	TargetID   string    `json:"target_id"`
	Valence    float64   `json:"valence"`
	Arousal    float64   `json:"arousal"`
	Stress     float64   `json:"stress"`
	CapturedAt time.Time `json:"captured_at"`
}

// Alert is a higher-priority notification raised when a reading crosses
// a clinical threshold. Delivered on its own callback so consumers can
// prioritize without inspecting payload shape.
type Alert struct {
	TargetID string  `json:"target_id"`
	Level    string  `json:"level"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Message  string  `json:"message"`
}

// streamError is a server-reported, non-fatal stream message.
type streamError struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}
