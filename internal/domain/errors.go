package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownTier       = errors.New("unknown tier")
	ErrTierDisabled      = errors.New("tier disabled")
	ErrNoCapacity        = errors.New("no capacity")
	ErrLifecycle         = errors.New("lifecycle error")
	ErrExternallyManaged = errors.New("endpoint externally managed")
	ErrPlanInvalid       = errors.New("plan invalid")
	ErrUpstreamStatus    = errors.New("upstream non-2xx status")
)
