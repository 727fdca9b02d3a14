package models

import "time"

// MessageType classifies a Message's purpose.
type MessageType string

const (
	MessageTypeText             MessageType = "text"
	MessageTypeStatusUpdate     MessageType = "status_update"
	MessageTypeShutdownRequest  MessageType = "shutdown_request"
	MessageTypeShutdownResponse MessageType = "shutdown_response"
	MessageTypePlanSubmission   MessageType = "plan_submission"
	MessageTypePlanApproval     MessageType = "plan_approval"
	MessageTypeTaskAssignment   MessageType = "task_assignment"
	MessageTypeBroadcast        MessageType = "broadcast"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeStatusUpdate, MessageTypeShutdownRequest, MessageTypeShutdownResponse,
		MessageTypePlanSubmission, MessageTypePlanApproval, MessageTypeTaskAssignment, MessageTypeBroadcast:
		return true
	default:
		return false
	}
}

// BroadcastRecipient is the ToAgentID sentinel denoting "all agents but the sender".
const BroadcastRecipient = "*"

// LeadAgentID is the well-known AgentID of the privileged lead.
const LeadAgentID = "lead"

// Message is a single record in an agent's mailbox.
type Message struct {
	// MessageID is a 12-character unique token.
	MessageID string `json:"message_id"`
	// FromAgentID is the sender.
	FromAgentID string `json:"from_agent_id"`
	// ToAgentID is the recipient, or BroadcastRecipient for a fan-out send.
	ToAgentID string `json:"to_agent_id"`
	// Type classifies the message.
	Type MessageType `json:"type"`
	// Content is human-readable text.
	Content string `json:"content"`
	// Metadata carries short structured fields, e.g. "task_id", "approved".
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`
}

// TaskID returns the "task_id" metadata field, or "" if absent.
func (m *Message) TaskID() string {
	return m.Metadata["task_id"]
}

// Approved returns true if the "approved" metadata field is exactly "true".
func (m *Message) Approved() bool {
	return m.Metadata["approved"] == "true"
}

// Accepted returns true if the "accepted" metadata field is exactly "true".
func (m *Message) Accepted() bool {
	return m.Metadata["accepted"] == "true"
}
