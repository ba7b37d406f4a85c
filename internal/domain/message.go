// Package domain defines the core types shared across the stock monitor: the
// controller<->worker message contract, snapshot and summary models, monitor
// states, and the store/cache interfaces implemented by the infrastructure
// packages.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandKind enumerates the commands the controller may send to the worker.
type CommandKind string

const (
	CommandStart     CommandKind = "start"
	CommandStop      CommandKind = "stop"
	CommandPause     CommandKind = "pause"
	CommandResume    CommandKind = "resume"
	CommandUpdate    CommandKind = "update"
	CommandGetConfig CommandKind = "get_config"
	CommandSetConfig CommandKind = "set_config"
)

// ResponseType enumerates the message types the worker may emit.
type ResponseType string

const (
	ResponseTypeResponse ResponseType = "response"
	ResponseTypeData     ResponseType = "data"
	ResponseTypeError    ResponseType = "error"
	ResponseTypeStatus   ResponseType = "status"
)

// Command is one request in the newline-delimited JSON protocol spoken over
// the worker's stdin. The ID correlates the worker's reply; it is unique for
// the life of the controller process.
type Command struct {
	Type      string      `json:"type"` // always "command"
	Command   CommandKind `json:"command"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds
	Payload   any         `json:"payload,omitempty"`
}

// NewCommand creates a Command of the given kind with a fresh correlation ID
// and the current timestamp.
func NewCommand(kind CommandKind, payload any) Command {
	return Command{
		Type:      "command",
		Command:   kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Response is one message received from the worker's stdout. Responses whose
// ID matches a pending Command complete that command; anything else is an
// unsolicited push (the worker uses ids like "auto_update" and "system" for
// those).
type Response struct {
	Type      ResponseType    `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// ReceivedAt converts the worker's epoch-millisecond timestamp to time.Time.
func (r Response) ReceivedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}
