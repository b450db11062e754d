package domain

import "time"

// AuditLog records block decisions and job terminal transitions.
type AuditLog struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Actor        string    `gorm:"size:255;not null;index" json:"actor"`
	Action       string    `gorm:"size:64;not null;index" json:"action"`
	Resource     string    `gorm:"size:255;not null" json:"resource"`
	Metadata     JSONBlob  `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      bool      `gorm:"not null" json:"success"`
	ErrorMessage string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}
