package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadySent     = errors.New("campaign already sent")
	ErrNoRecipients    = errors.New("no eligible recipients")
	ErrInvalidCampaign = errors.New("invalid campaign")

	// ErrRunPaused is returned when a started run stopped on an orchestration failure or cancellation.
	ErrRunPaused = errors.New("campaign run paused")
)
