package future

import "errors"

// ErrNotReady is returned by callers that require a terminal future but
// find one still Pending or Ready.
var ErrNotReady = errors.New("future: not in a terminal state")
