package service

import "fmt"

// NotFoundError means the resource does not exist or is not owned by the caller.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// DisconnectedError means the connection was disconnected by its owner and
// can no longer be synchronized.
type DisconnectedError struct {
	ConnectionID string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("bank connection %s is disconnected", e.ConnectionID)
}

// ConflictError means another synchronization run currently holds the connection.
type ConflictError struct {
	ConnectionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("bank connection %s is already synchronizing", e.ConnectionID)
}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
