package domain

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidJob  = errors.New("invalid job record")
	ErrHistoryDown = errors.New("job history unavailable")
)
