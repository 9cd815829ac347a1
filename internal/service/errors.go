package service

import "errors"

// Typed errors mapped to HTTP status codes in the delivery layer.
var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrInvalidUnitSystem  = errors.New("unsupported unit system")
	ErrEmptyFile          = errors.New("file is empty")
	ErrAlreadyTerminal    = errors.New("submission already graded or failed")
	ErrGraderOffline      = errors.New("measurement tool is offline")
)
