package models

import (
	"time"
)

// GuardSettings represents the persisted protection toggles and security
// level owned by the coordinator. A single named row acts as the active
// configuration; admin updates go through upsert, never per-request writes.
type GuardSettings struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	UUID string `json:"uuid" gorm:"uniqueIndex"`
	Name string `json:"name" gorm:"index"`

	SecurityLevel string `json:"security_level"` // "low", "medium", "high"

	TokensEnabled     bool `json:"tokens_enabled"`
	ValidationEnabled bool `json:"validation_enabled"`
	UploadsEnabled    bool `json:"uploads_enabled"`
	QueryGateEnabled  bool `json:"query_gate_enabled"`
	HeadersEnabled    bool `json:"headers_enabled"`

	// StrictIPCheck and StrictUACheck harden token context verification.
	// IP defaults off (NAT and mobile churn), user-agent defaults on.
	StrictIPCheck bool `json:"strict_ip_check"`
	StrictUACheck bool `json:"strict_ua_check"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultGuardSettings returns the settings used until an admin saves a row.
func DefaultGuardSettings(level string) GuardSettings {
	if level == "" {
		level = "medium"
	}
	return GuardSettings{
		Name:              "default",
		SecurityLevel:     level,
		TokensEnabled:     true,
		ValidationEnabled: true,
		UploadsEnabled:    true,
		QueryGateEnabled:  true,
		HeadersEnabled:    true,
		StrictIPCheck:     level == "high",
		StrictUACheck:     level != "low",
	}
}
