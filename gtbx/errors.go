package gtbx

import "errors"

var (
	ErrTxRequired          = errors.New("an enclosing transaction is required in the context")
	ErrNilHandler          = errors.New("handler is required")
	ErrNilMessage          = errors.New("message is required")
	ErrMessageIDRequired   = errors.New("message id is required")
	ErrMessageNameRequired = errors.New("message name is required")
	ErrAlreadyStarted      = errors.New("goutbox is already started")
	ErrInvalidMessageID    = errors.New("message id is not a valid uuid")
)
