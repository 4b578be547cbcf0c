// Package errors provides structured error handling for searchsync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Local resource errors (locks, files)
//   - 3XX: Delivery errors (pool, bulk, backend)
//   - 4XX: Resolution errors (identity, entity)
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryResource indicates lock and file errors.
	CategoryResource Category = "RESOURCE"
	// CategoryDelivery indicates errors writing to the index backend.
	CategoryDelivery Category = "DELIVERY"
	// CategoryResolution indicates identity or entity resolution errors.
	CategoryResolution Category = "RESOLUTION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Resource errors (200-299)
	ErrCodeStoreUnavailable = "ERR_201_STORE_UNAVAILABLE"
	ErrCodeRebuildLocked    = "ERR_202_REBUILD_LOCKED"

	// Delivery errors (300-399)
	ErrCodePoolRejected       = "ERR_301_POOL_REJECTED"
	ErrCodeBulkItemFailed     = "ERR_302_BULK_ITEM_FAILED"
	ErrCodeBackendUnavailable = "ERR_303_BACKEND_UNAVAILABLE"
	ErrCodeVersionConflict    = "ERR_304_VERSION_CONFLICT"

	// Resolution errors (400-499)
	ErrCodeIdentityResolution = "ERR_401_IDENTITY_RESOLUTION"
	ErrCodeEntityResolution   = "ERR_402_ENTITY_RESOLUTION"
	ErrCodeUnknownType        = "ERR_403_UNKNOWN_TYPE"

	// Internal errors (500-599)
	ErrCodeInternal    = "ERR_501_INTERNAL"
	ErrCodeStreamOrder = "ERR_504_STREAM_ORDER"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryResource
	case '3':
		return CategoryDelivery
	case '4':
		return CategoryResolution
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStreamOrder, ErrCodeConfigInvalid:
		return SeverityFatal
	case ErrCodePoolRejected, ErrCodeBulkItemFailed, ErrCodeVersionConflict:
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Pool rejections are deliberately absent: a rejected batch is dropped.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeStoreUnavailable:
		return true
	default:
		return false
	}
}
