package model

import "time"

// CommandKind distinguishes queued operator commands.
type CommandKind string

const (
	CommandStart CommandKind = "start"
	CommandStop  CommandKind = "stop"
)

// CommandStatus is the outcome published on the response channel.
type CommandStatus string

const (
	StatusAccepted CommandStatus = "Accepted"
	StatusRejected CommandStatus = "Rejected"
)

// Command error codes reported on the response channel.
const (
	ErrCodeConnection    = "ConnectionError"
	ErrCodeDuplicate     = "DuplicateCommand"
	ErrCodeAlreadyActive = "AlreadyActive"
	ErrCodeInvalidTxID   = "InvalidTransactionId"
	ErrCodeTimeout       = "Timeout"
	ErrCodeInternal      = "InternalError"
)

// CommandRequest is one queued start or stop command. A request results in a
// single dispatch attempt; protocol timeouts are not retried.
type CommandRequest struct {
	SessionID     string      `json:"session_id"`
	DeviceID      string      `json:"device_id"`
	ConnectorID   int         `json:"connector_id,omitempty"`
	CustomerID    string      `json:"customer_id,omitempty"`
	Credential    string      `json:"credential,omitempty"`
	TransactionID int         `json:"transaction_id,omitempty"`
	Kind          CommandKind `json:"-"`
}

// CommandResponse is the outcome published for every consumed command.
type CommandResponse struct {
	SessionID        string        `json:"session_id"`
	DeviceID         string        `json:"device_id"`
	Status           CommandStatus `json:"status"`
	TransactionID    int           `json:"transaction_id,omitempty"`
	ErrorCode        string        `json:"error_code,omitempty"`
	ErrorDescription string        `json:"error_description,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}
