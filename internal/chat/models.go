package chat

import "time"

type Sender string

const (
	SenderUser  Sender = "USER"
	SenderAgent Sender = "AGENT"
)

type MessageStatus string

const (
	MessageSent  MessageStatus = "SENT"
	MessageRead  MessageStatus = "READ"
	MessageError MessageStatus = "ERROR"
)

// Message is one turn of an agent conversation. IDs are ULIDs, so ordering by
// id is ordering by creation time.
type Message struct {
	ID      string        `gorm:"type:varchar(26);primaryKey" json:"id"`
	AgentID string        `gorm:"type:varchar(64);not null;index" json:"agent_id"`
	Body    string        `gorm:"type:text;not null" json:"body"`
	Sender  Sender        `gorm:"type:varchar(8);not null" json:"sender"`
	Status  MessageStatus `gorm:"type:varchar(8);not null" json:"status"`

	// ReplyToID is set on AGENT replies to the user message they answer.
	// The unique index keeps redelivered jobs from storing a second reply.
	ReplyToID *string `gorm:"type:varchar(26);uniqueIndex:uniq_chat_msg_reply_to" json:"reply_to_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobRecord is the ledger row of a process-message job.
type JobRecord struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	Name      string `gorm:"type:varchar(32);not null"`
	UserID    string `gorm:"type:varchar(26);index;not null"`
	AgentID   string `gorm:"type:varchar(64);index;not null"`
	MessageID string `gorm:"type:varchar(26);index;not null"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null"`
	Attempts int       `gorm:"not null;default:0"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"type:varchar(26)"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	FinishedAt *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (JobRecord) TableName() string { return "chat_jobs" }
