package storage

import "time"

type flowRecord struct {
	Seq                 uint      `gorm:"primaryKey;autoIncrement"`
	ID                  string    `gorm:"uniqueIndex;size:36;not null"`
	Timestamp           time.Time `gorm:"index"`
	Method              string
	URL                 string
	RequestHeaders      string
	RequestBody         *string
	ResponseStatus      *int
	ResponseHeaders     string
	ResponseBodyPreview string
	Tags                string
	Source              string `gorm:"index"`
}

func (flowRecord) TableName() string { return "flows" }

type findingRecord struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"uniqueIndex;size:36;not null"`
	Timestamp time.Time `gorm:"index"`
	Type      string
	Title     string
	Severity  string
	URL       string
	Details   string
	FlowID    string `gorm:"index"`
	Plugin    string
}

func (findingRecord) TableName() string { return "findings" }

type ruleRecord struct {
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	ID       string `gorm:"uniqueIndex;not null"`
	Data     string
}

func (ruleRecord) TableName() string { return "rules" }

// settingsRecord holds a single row with ID 1.
type settingsRecord struct {
	ID               uint `gorm:"primaryKey;autoIncrement:false"`
	RequestsEnabled  bool
	ResponsesEnabled bool
	ResponseWatch    string
}

func (settingsRecord) TableName() string { return "intercept_settings" }
