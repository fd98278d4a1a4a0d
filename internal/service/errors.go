package service

import "errors"

var (
	// ErrProductNotFound means an ordered product is missing or unpublished
	ErrProductNotFound = errors.New("product not found")
	// ErrInvalidOrder means the order request itself is unusable (no items, bad quantity)
	ErrInvalidOrder = errors.New("invalid order request")
	// ErrOrderNotFound means no order matches the id
	ErrOrderNotFound = errors.New("order not found")
	// ErrForbidden means the actor does not own the order
	ErrForbidden = errors.New("forbidden")
	// ErrOrderNotPayable means a payment session was requested for a non-PENDING order
	ErrOrderNotPayable = errors.New("order is not payable")
	// ErrSessionInProgress means another session open for the same order holds the lock
	ErrSessionInProgress = errors.New("payment session already being opened")
	// ErrPaymentSessionFailed means the gateway refused or did not answer in time
	ErrPaymentSessionFailed = errors.New("payment session failed")
	// ErrGrantFailure means an access grant could not be written; the transition was rolled back
	ErrGrantFailure = errors.New("access grant failed")
)
