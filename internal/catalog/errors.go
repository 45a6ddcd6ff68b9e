package catalog

import "errors"

// Sentinel errors shared across stores and the processor.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyClaimed signals that a concurrent processor won the atomic claim.
	ErrAlreadyClaimed = errors.New("item already claimed")

	// ErrNoProductData signals that an adapter found nothing at a product URL.
	// Adapters return (nil, nil); the extractor converts that into this error
	// so the processor records a descriptive failure reason.
	ErrNoProductData = errors.New("no_product_data")
)
