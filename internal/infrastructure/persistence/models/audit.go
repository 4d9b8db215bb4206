package models

import "time"

// ResultAuditRecord is a best-effort relational mirror of one saved
// TriageResult, queryable alongside the hot Redis path. Redis remains the
// source of truth; this row is never required for correctness.
type ResultAuditRecord struct {
	RequestUID           string    `gorm:"primaryKey;size:128"`
	DictionaryVersion    int       `gorm:"index"`
	RetriesUsed          int
	ProcessingDurationMs int64
	WarningsJSON         string    `gorm:"type:text"`
	ResponseJSON         string    `gorm:"type:text"`
	CreatedAt            time.Time `gorm:"index"`
}

// TableName pins the table name explicitly.
func (ResultAuditRecord) TableName() string { return "triage_results" }

// DLQAuditRecord is a best-effort relational mirror of one DLQEntry.
type DLQAuditRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	RequestUID     string    `gorm:"index;size:128"`
	FinalErrorKind string    `gorm:"size:64"`
	TotalAttempts  int
	RequestJSON    string    `gorm:"type:text"`
	MetadataJSON   string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}

// TableName pins the table name explicitly.
func (DLQAuditRecord) TableName() string { return "triage_dlq_entries" }
