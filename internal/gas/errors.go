package gas

import (
	"errors"
	"fmt"
)

var (
	ErrBadStatus = errors.New("bad answer from API")
	ErrNegative  = errors.New("negative value")
)

// FetchError carries the raw HTTP status and body of a failed Etherscan
// call so the poller log has enough to diagnose a bad key or rate limit.
type FetchError struct {
	Action     string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("etherscan %s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("etherscan %s: %v: code = %d, body = %s", e.Action, e.Err, e.StatusCode, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }
