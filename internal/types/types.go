package types

import (
	"errors"
	"fmt"
	"time"
)

// Operation represents the kind of remote mutation a queued change performs
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether the operation is one of the three supported kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueuedChange represents a pending local mutation awaiting remote
// application. Entries are immutable after creation: they are appended to the
// offline queue, persisted, and removed only after a successful remote
// dispatch.
type QueuedChange struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Operation Operation      `json:"operation"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Validate checks the structural requirements of a change before it is
// accepted into the queue. Update and Delete must carry the target row id in
// Data; payload schema beyond that is the backend's concern.
func (c *QueuedChange) Validate() error {
	if c.Table == "" {
		return errors.New("queued change: table is required")
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("queued change: unknown operation %q", c.Operation)
	}
	if c.Operation == OperationUpdate || c.Operation == OperationDelete {
		id, ok := c.Data["id"]
		if !ok || id == nil || id == "" {
			return fmt.Errorf("queued change: %s requires data[\"id\"]", c.Operation)
		}
	}
	return nil
}

// RowID returns the target row identifier for Update and Delete changes.
func (c *QueuedChange) RowID() string {
	return fmt.Sprint(c.Data["id"])
}

// ConnectionState represents the current connectivity phase of the realtime
// link. Exactly one value is current at any time; transitions are broadcast
// by the connection monitor.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// RowChange represents a single row-level event delivered by the change feed.
// Record carries the changed row as delivered by the provider; no
// before/after image distinction is made at this layer.
type RowChange struct {
	Table     string         `json:"table"`
	Operation Operation      `json:"operation"`
	Record    map[string]any `json:"record"`
}
