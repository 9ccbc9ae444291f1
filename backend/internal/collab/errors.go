package collab

import "errors"

// 错误码同时作为对外 wire code 使用（HTTP/WS 层直接透传）
var (
	ErrAlreadyActive          = errors.New("SESSION_ALREADY_ACTIVE")
	ErrPermissionDenied       = errors.New("PERMISSION_DENIED")
	ErrCapacityExceeded       = errors.New("CAPACITY_EXCEEDED")
	ErrSessionClosed          = errors.New("SESSION_CLOSED")
	ErrSessionPaused          = errors.New("SESSION_PAUSED")
	ErrSessionNotFound        = errors.New("SESSION_NOT_FOUND")
	ErrNotAParticipant        = errors.New("NOT_A_PARTICIPANT")
	ErrCannotRemoveSelf       = errors.New("CANNOT_REMOVE_SELF")
	ErrConflictUnresolved     = errors.New("CONFLICT_UNRESOLVED")
	ErrInvalidOperationTarget = errors.New("INVALID_OPERATION_TARGET")
	ErrOperationNotFound      = errors.New("OPERATION_NOT_FOUND")
	ErrDuplicateOrOutOfOrder  = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrMissingClientID        = errors.New("MISSING_CLIENT_ID")
)
