package embedding

import (
	"errors"
	"fmt"
)

// ErrEmptyPrompt is returned for a prompt with no text after trimming.
var ErrEmptyPrompt = errors.New("prompt is empty")

// EmbeddingServiceError reports a failed or malformed embedding call.
// No vectors from the failed call are usable.
type EmbeddingServiceError struct {
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *EmbeddingServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("embedding service: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("embedding service: %v", e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error {
	return e.Err
}
