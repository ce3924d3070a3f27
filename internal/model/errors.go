package model

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoRecipients   = errors.New("no eligible recipients")
)
