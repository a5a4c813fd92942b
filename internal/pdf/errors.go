package pdf

import "errors"

// Sentinel errors for the rasterization and chunking pipeline. The API layer
// maps these onto HTTP statuses with errors.Is.
var (
	// ErrInvalidDocument means the input is not a well-formed PDF (or has no
	// pages). Surfaced immediately, never retried.
	ErrInvalidDocument = errors.New("invalid or unreadable PDF document")

	// ErrConversionFailed means the rasterization tool exited non-zero or
	// produced zero page images.
	ErrConversionFailed = errors.New("pdf conversion failed")

	// ErrToolFailure means an external tool exited successfully but did not
	// produce the output it was expected to write.
	ErrToolFailure = errors.New("external tool produced no output")

	// ErrChunkTooLarge means a generated chunk exceeded the configured byte
	// limit and was rejected.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum allowed size")

	// ErrInsufficientStorage means working storage ran below the configured
	// floor before a chunk could be written.
	ErrInsufficientStorage = errors.New("insufficient working storage for chunk")
)
