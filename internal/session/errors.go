package session

import "errors"

// Failure classes a session can surface. Errors returned from session
// operations and carried on events wrap exactly one of these, so
// callers classify failures with errors.Is.
var (
	// ErrConnectionFailure means the transport could not establish or
	// re-establish the connection
	ErrConnectionFailure = errors.New("connection failure")
	// ErrNotConnected means the operation needs an open session
	ErrNotConnected = errors.New("not connected")
	// ErrProtocol means the service sent a frame the session could not use
	ErrProtocol = errors.New("protocol error")
	// ErrServer carries an explicit error frame from the service
	ErrServer = errors.New("service error")
	// ErrSegmentTimeout means a segment produced no complete audio
	// within the configured bound
	ErrSegmentTimeout = errors.New("segment timeout")
	// ErrPlayback means the audio sink failed
	ErrPlayback = errors.New("playback error")
)
