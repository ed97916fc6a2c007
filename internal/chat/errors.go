package chat

import "errors"

var (
	// ErrEmptyMessage indicates a send with whitespace-only text and no
	// attachment; nothing is written and no optimistic entry is created.
	ErrEmptyMessage = errors.New("empty message")
	// ErrSendFailed indicates the transport write failed. The optimistic
	// entry is rolled back and the send is not retried.
	ErrSendFailed = errors.New("send failed")
)
