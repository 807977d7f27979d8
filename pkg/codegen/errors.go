package codegen

import "github.com/cockroachdb/errors"

// Generation-time configuration errors
var (
	// ErrMissingRTTI is returned when a dynamic deallocator is requested for a
	// type that has no runtime type information attached
	ErrMissingRTTI = errors.New("no runtime type information")

	// ErrMissingRTTIQuery is returned when RTTI is attached but there is
	// neither a query function nor a closed subtype family to dispatch on
	ErrMissingRTTIQuery = errors.New("runtime type information without a query function")

	// ErrUnmanagedType is returned when a header or deallocator is requested
	// for a type the model does not manage
	ErrUnmanagedType = errors.New("type is not reference counted")

	// ErrModelNotFrozen is returned when generation starts on a model that may still change
	ErrModelNotFrozen = errors.New("type model is not frozen")
)
