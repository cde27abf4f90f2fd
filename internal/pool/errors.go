package pool

import "errors"

var (
	// ErrPoolExhausted means no user was granted before the pool timeout.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolUnavailable means the pool service could not be reached or
	// failed to answer.
	ErrPoolUnavailable = errors.New("pool unavailable")
	// ErrUploadFailed wraps every diagnostic upload failure.
	ErrUploadFailed = errors.New("diagnostic upload failed")
	// ErrAlreadyReserved is returned by Reserve while a reservation is held.
	ErrAlreadyReserved = errors.New("reservation already held")
	// ErrPoolNotInstantiated is returned by Reserve before InstantiatePool.
	ErrPoolNotInstantiated = errors.New("pool not instantiated")
	// ErrPoolAlreadyInstantiated is returned by a second InstantiatePool.
	ErrPoolAlreadyInstantiated = errors.New("pool already instantiated")
)
