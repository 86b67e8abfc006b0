package agent

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Status is the processing state of an agent. Values outside the three
// constants are rejected both when writing and when reading a row.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusProcessing Status = "PROCESSING"
	StatusError      Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusProcessing, StatusError:
		return true
	}
	return false
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("agent: invalid status %q", string(s))
	}
	return string(s), nil
}

func (s *Status) Scan(src any) error {
	var v Status
	switch x := src.(type) {
	case string:
		v = Status(x)
	case []byte:
		v = Status(x)
	default:
		return fmt.Errorf("agent: cannot scan %T into status", src)
	}
	if !v.Valid() {
		return fmt.Errorf("agent: invalid status %q", string(v))
	}
	*s = v
	return nil
}

type Role string

const (
	RoleAssistant  Role = "ASSISTANT"
	RoleFriend     Role = "FRIEND"
	RoleGirlfriend Role = "GIRLFRIEND"
	RoleBoyfriend  Role = "BOYFRIEND"
	RoleHusband    Role = "HUSBAND"
	RoleWife       Role = "WIFE"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAssistant, RoleFriend, RoleGirlfriend, RoleBoyfriend, RoleHusband, RoleWife:
		return true
	}
	return false
}

// Agent mirrors a persona created on the conversational-agent platform; ID is
// the platform's agent id.
type Agent struct {
	ID          string   `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID      string   `gorm:"type:varchar(26);index;not null" json:"user_id"`
	Name        string   `gorm:"type:varchar(64);not null" json:"name"`
	Language    string   `gorm:"type:varchar(20);not null" json:"language"`
	Prompt      string   `gorm:"type:text" json:"prompt"`
	Personality []string `gorm:"type:text;serializer:json" json:"personality"`
	Role        Role     `gorm:"type:varchar(16);not null" json:"role"`
	VoiceID     string   `gorm:"type:varchar(64)" json:"voice_id"`
	Avatar      *string  `gorm:"type:varchar(512)" json:"avatar"`
	Status      Status   `gorm:"type:varchar(16);not null;index" json:"status"`

	// ActiveJobID is the one queued or running job allowed to drive this
	// agent. Set by ingress, cleared when that job finishes.
	ActiveJobID     *string   `gorm:"type:varchar(26);index" json:"-"`
	StatusChangedAt time.Time `json:"status_changed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Agent) TableName() string { return "agents" }

// Busy reports whether a new user message must be refused.
func (a *Agent) Busy() bool {
	return a.Status == StatusProcessing || a.ActiveJobID != nil
}
