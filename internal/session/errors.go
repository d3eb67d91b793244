package session

import "errors"

var (
	// ErrNoActiveSession is returned by control calls made while nothing is recording.
	ErrNoActiveSession = errors.New("no active session")
	ErrAlreadyActive   = errors.New("a session is already recording")
)
