package errors

import "net/http"

// Error codes carry no formatting; structured context goes into Params.

// Instance error codes.
const (
	CodeInstanceNotFound     = "INSTANCE_NOT_FOUND"
	CodeInstanceExists       = "INSTANCE_EXISTS"
	CodeInsufficientFreeMem  = "INSUFFICIENT_FREE_MEMORY"
	CodeInstanceUnacceptable = "INSTANCE_UNACCEPTABLE"
	CodeInstanceNotRescued   = "INSTANCE_NOT_IN_RESCUE"
	CodeInstanceRescued      = "INSTANCE_ALREADY_RESCUED"
)

// Migration error codes.
const (
	CodeMigrationFailed = "MIGRATION_FAILED"
)

// Agent error codes.
const (
	CodeAgentKeyExchange = "AGENT_KEY_EXCHANGE_FAILED"
	CodeAgentPassword    = "AGENT_PASSWORD_FAILED"
)

// Validation error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
)

// Convenience constructors using predefined codes.

// ErrInstanceNotFoundf creates an instance not found error.
func ErrInstanceNotFoundf(name string) *AppError {
	return NotFound(CodeInstanceNotFound, "instance not found").
		WithParams(map[string]interface{}{"name": name})
}

// ErrInstanceExistsf reports that a VM record with this name-label already exists.
func ErrInstanceExistsf(name string) *AppError {
	return Conflict(CodeInstanceExists, "instance already exists").
		WithParams(map[string]interface{}{"name": name})
}

// ErrInsufficientFreeMemf reports that the host cannot fit the instance.
func ErrInsufficientFreeMemf(name string, wantMB int) *AppError {
	return New(CodeInsufficientFreeMem, "insufficient free memory on host", http.StatusServiceUnavailable).
		WithParams(map[string]interface{}{"name": name, "memory_mb": wantMB})
}

// ErrMigrationf wraps a disk transfer failure.
func ErrMigrationf(err error, message string) *AppError {
	return Wrap(err, CodeMigrationFailed, message, http.StatusInternalServerError)
}

// ErrInstanceUnacceptablef reports an instance in a state the operation cannot handle.
func ErrInstanceUnacceptablef(name, reason string) *AppError {
	return New(CodeInstanceUnacceptable, reason, http.StatusConflict).
		WithParams(map[string]interface{}{"name": name})
}

// ErrAgentKeyExchangef reports a failed key_init handshake with the guest agent.
func ErrAgentKeyExchangef(returnCode, message string) *AppError {
	return New(CodeAgentKeyExchange, "agent key exchange failed", http.StatusBadGateway).
		WithParams(map[string]interface{}{"returncode": returnCode, "message": message})
}

// ErrAgentPasswordf reports that the guest agent rejected the encrypted password.
func ErrAgentPasswordf(returnCode, message string) *AppError {
	return New(CodeAgentPassword, "agent failed to set password", http.StatusBadGateway).
		WithParams(map[string]interface{}{"returncode": returnCode, "message": message})
}

// ErrInstanceNotRescuedf reports an unrescue of an instance that has no rescue VM.
func ErrInstanceNotRescuedf(name string) *AppError {
	return Conflict(CodeInstanceNotRescued, "instance is not in rescue mode").
		WithParams(map[string]interface{}{"name": name})
}

// ErrInstanceRescuedf reports a rescue of an instance that is already rescued.
func ErrInstanceRescuedf(name string) *AppError {
	return Conflict(CodeInstanceRescued, "instance is already in rescue mode").
		WithParams(map[string]interface{}{"name": name})
}
