package models

import (
	"time"
)

// SecurityEventRecord is the persisted form of a security event. The live
// event ring lives in memory; records are archived here so the dashboard can
// query history across restarts.
type SecurityEventRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Type      string    `json:"type" gorm:"index"`
	Severity  string    `json:"severity" gorm:"index"` // low, medium, high
	Subject   int64     `json:"subject"`
	OriginIP  string    `json:"origin_ip"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
