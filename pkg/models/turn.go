package models

import (
	"encoding/json"
	"time"
)

// Role indicates the turn author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// AttachmentImage is the attachment type for images.
const AttachmentImage = "image"

// Turn is one entry in a conversation transcript.
//
// Assistant turns that requested tools carry ToolCalls; the matching results
// follow as separate RoleTool turns linked by ToolCallID, one per call.
type Turn struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment represents a file or media attachment on a turn.
// Either URL or DataURL is set; URL is preferred when both are.
type Attachment struct {
	Type     string `json:"type"` // image, audio, document
	URL      string `json:"url,omitempty"`
	DataURL  string `json:"data_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolEventStage marks a point in a tool execution's lifecycle.
type ToolEventStage string

const (
	ToolEventStarted  ToolEventStage = "started"
	ToolEventFinished ToolEventStage = "finished"
)

// ToolEvent notifies the client that a tool execution started or finished,
// so it can render a transient working indicator.
type ToolEvent struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Stage      ToolEventStage `json:"stage"`
	Detail     string         `json:"detail,omitempty"`
}

// Session represents a conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastImageAttachment scans a transcript backwards and returns the most
// recent image attachment, so editing tools can default to the image the
// user sent last.
func LastImageAttachment(turns []Turn) (Attachment, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		atts := turns[i].Attachments
		for j := len(atts) - 1; j >= 0; j-- {
			if atts[j].Type == AttachmentImage {
				return atts[j], true
			}
		}
	}
	return Attachment{}, false
}

// UserTurnCount returns the number of user turns in a transcript.
func UserTurnCount(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}
