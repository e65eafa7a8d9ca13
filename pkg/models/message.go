package models

import (
	"encoding/json"
	"time"
)

// Message types exchanged over the real-time channel
const (
	MessageTypeCodeStatusUpdate    = "CODE_STATUS_UPDATE"
	MessageTypeCodeVerified        = "CODE_VERIFIED"
	MessageTypePaymentVerification = "PAYMENT_VERIFICATION"
	MessageTypeNewCodeSubmitted    = "NEW_CODE_SUBMITTED"
	MessageTypeAdminNote           = "ADMIN_NOTE"
	MessageTypeCodeSubmitted       = "CODE_SUBMITTED"
	MessageTypePing                = "PING"
	MessageTypePong                = "PONG"
)

// ServerMessage is the inbound envelope from the backend
type ServerMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientMessage is the outbound envelope to the backend
type ClientMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// VerificationData is the payload of a CODE_VERIFIED message
type VerificationData struct {
	ID           string          `json:"id"`
	Status       CodeStatus      `json:"status"`
	Note         string          `json:"note,omitempty"`
	RewardAmount json.Number     `json:"reward_amount,omitempty"`
	NewBalance   json.Number     `json:"new_balance,omitempty"`
	Transaction  json.RawMessage `json:"transaction,omitempty"`
}

// AdminNoteData is the payload of an ADMIN_NOTE message
type AdminNoteData struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}
