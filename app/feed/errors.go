package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchTimeout matches any FetchError caused by the fetch deadline.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrNotModified describes a 304 answer to a conditional GET. It is a
	// normal outcome and only used to label it.
	ErrNotModified = errors.New("not modified")
)

type FetchError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchTimeout && e.Timeout
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
