package command

import "codeberg.org/mutker/balancectl/internal/errors"

const (
	ErrUnknownTopic = errors.ErrorCode("command_unknown_topic")
	ErrInvalidValue = errors.ErrorCode("command_invalid_value")
	ErrCommand      = errors.ErrorCode("command_failed")
	ErrConnect      = errors.ErrorCode("command_connect_failed")
	ErrSubscribe    = errors.ErrorCode("command_subscribe_failed")
	ErrPublish      = errors.ErrorCode("command_publish_failed")
)
