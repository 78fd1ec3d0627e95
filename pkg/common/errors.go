package common

import "errors"

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrPostOnlyWouldCross   = errors.New("post-only order would cross the spread")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrStaleBook            = errors.New("no book snapshot received")
	ErrPersistence          = errors.New("trade log write failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
