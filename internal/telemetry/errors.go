package telemetry

import "codeberg.org/mutker/balancectl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")

	// Schema Errors
	ErrDuplicateField  = errors.ErrorCode("telemetry_duplicate_field")
	ErrInvalidField    = errors.ErrorCode("telemetry_invalid_field")
	ErrSchemaFrozen    = errors.ErrorCode("telemetry_schema_frozen")
	ErrDuplicateStream = errors.ErrorCode("telemetry_duplicate_stream")
	ErrUnknownStream   = errors.ErrorCode("telemetry_unknown_stream")
	ErrUnknownField    = errors.ErrorCode("telemetry_unknown_field")

	// Record Errors
	ErrRecordMismatch = errors.ErrorCode("telemetry_record_mismatch")
	ErrRecordSize     = errors.ErrorCode("telemetry_record_size")

	// Protocol Errors
	ErrProtocol       = errors.ErrorCode("telemetry_protocol_error")
	ErrNotConnected   = errors.ErrorCode("telemetry_not_connected")
	ErrConnectionLost = errors.ErrorCode("telemetry_connection_lost")
	ErrFetchTimeout   = errors.ErrorCode("telemetry_fetch_timeout")

	// Server Errors
	ErrListen          = errors.ErrorCode("telemetry_listen_failed")
	ErrServerStarted   = errors.ErrorCode("telemetry_server_already_started")
	ErrHistoryStore    = errors.ErrorCode("telemetry_history_store_failed")
	ErrServiceShutdown = errors.ErrorCode("telemetry_service_shutdown_failed")
)
