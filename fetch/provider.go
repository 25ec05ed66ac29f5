package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Response is what every provider hands back: the page and the status the
// target site answered with.
type Response struct {
	HTML       string
	StatusCode int
}

type Provider interface {
	Name() string
	Fetch(ctx context.Context, url string, profile Profile) (Response, error)
}

// ErrProvider marks a failure of the fetch service itself rather than of the
// target site.
var ErrProvider = errors.New("fetch provider error")

type providerError struct {
	provider string
	status   int
	body     string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.provider, e.status, e.body)
}

func (e *providerError) Unwrap() error { return ErrProvider }
