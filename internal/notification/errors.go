package notification

import "errors"

// ErrSendFailed is returned when a notification could not be delivered. It
// is never fatal to the operation that triggered it.
var ErrSendFailed = errors.New("notification: send failed")
