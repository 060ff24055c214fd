package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one append-only entry of a conversation.
// Messages are ordered by TurnSeq (then user before assistant), never by CreatedAt.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	TurnSeq        int64           `json:"turn_seq"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	Artifacts      MessageArtifact `json:"artifacts"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	IsDeleted      bool            `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageArtifact holds what the assistant generated alongside its narrative.
type MessageArtifact struct {
	SQLText      string          `json:"sql_text,omitempty"`
	ChartSpec    json.RawMessage `json:"chart_spec,omitempty"`
	Insights     []string        `json:"insights,omitempty"`
	RowCount     int             `json:"row_count,omitempty"`
	Engine       string          `json:"engine,omitempty"`
	DataSourceID *uuid.UUID      `json:"datasource_id,omitempty"`
}

// HasChart reports whether the chart spec is non-empty.
func (a MessageArtifact) HasChart() bool {
	s := string(a.ChartSpec)
	return len(a.ChartSpec) > 0 && s != "null" && s != "{}" && s != "[]"
}

// InsightText joins the insights for display.
func (a MessageArtifact) InsightText() string {
	out := ""
	for i, insight := range a.Insights {
		if i > 0 {
			out += "\n"
		}
		out += insight
	}
	return out
}
