package models

import (
	"time"
)

// ImportProgress is the resume point of a multi-phase sync for one instance.
// The row is removed once the machine reaches DONE.
type ImportProgress struct {
	ID           uint      `gorm:"primaryKey"`
	InstanceName string    `gorm:"uniqueIndex;not null;comment:Name of the messaging instance being synchronized"`
	Phase        string    `gorm:"not null;comment:Current phase of the state machine"`
	Offset       int       `gorm:"column:next_offset;default:0;comment:Index of the next unprocessed item within the phase"`
	Pinned       bool      `gorm:"default:false;comment:Whether the progress belongs to a single-phase run"`
	StartedAt    time.Time `gorm:"comment:When the current sync started"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// SyncRun records one invocation of the orchestrator.
type SyncRun struct {
	ID                   uint   `gorm:"primaryKey"`
	InstanceName         string `gorm:"index;not null"`
	Phase                string
	NextPhase            string
	Pinned               bool
	Success              bool
	Completed            bool
	NeedsContinue        bool
	ProcessedItems       int
	NextOffset           int
	TotalItems           int
	ContactsCreated      int
	ContactsUpdated      int
	ConversationsCreated int
	MessagesImported     int
	TimestampsUpdated    int
	ErrorCount           int
	Error                string `gorm:"type:text"`
	DurationMs           int64
	CreatedAt            time.Time `gorm:"autoCreateTime;index"`
}
