package tern

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrLLM is an upstream provider failure. It is fatal to the turn in
// progress; the loop surfaces it without appending a partial assistant
// message.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx upstream HTTP response.
type ErrHTTP struct {
	Status int
	Body   string
	// RetryAfter is the parsed Retry-After header in seconds, 0 when absent.
	RetryAfter int
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value given in seconds.
// Returns 0 for empty, non-numeric, or HTTP-date values.
func ParseRetryAfter(v string) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ErrBlocked is returned when an input guard rejects a turn before anything
// is sent upstream. Response is the prepared reply to surface instead.
type ErrBlocked struct {
	Guard    string
	Response string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("blocked by %s guard", e.Guard)
}
