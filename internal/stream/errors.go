package stream

import "errors"

var (
	// ErrAuthentication means the feed rejected our credentials. Not retried
	// on the same account.
	ErrAuthentication = errors.New("stream: authentication rejected")

	// ErrConnectionExhausted means every configured account was tried and
	// none could be reached.
	ErrConnectionExhausted = errors.New("stream: all accounts exhausted")

	// ErrTransient marks a retryable network failure.
	ErrTransient = errors.New("stream: transient network error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("stream: manager closed")
)
