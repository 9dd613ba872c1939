package divvysync

// Operation identifies the kind of row mutation.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// RowEvent is one delivered change from a live subscription.
type RowEvent struct {
	Table     string
	Operation Operation
	Record    map[string]any
}

// ConnectionState describes the health of the realtime link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)
