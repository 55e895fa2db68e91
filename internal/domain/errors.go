package domain

import "errors"

// ErrInvalidRequest indicates that a job creation request contains invalid data.
var ErrInvalidRequest = errors.New("invalid job request")

// ErrMissingTemplateVar indicates a template placeholder without input data.
var ErrMissingTemplateVar = errors.New("missing template variable")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrAttemptsExhausted indicates the job used all of its attempts.
var ErrAttemptsExhausted = errors.New("job attempts exhausted")
