package domain

import "errors"

var (
	// ErrRoomNotFound is returned by lookups that do not create rooms.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned when a room's session has terminated and no longer accepts events.
	ErrRoomClosed = errors.New("room is no longer available")
	// ErrPlayerNotInRoom is returned when a player acts before joining the room.
	ErrPlayerNotInRoom = errors.New("player not in room")
	// ErrAlreadyAnswered is returned for a second submission to the same question.
	ErrAlreadyAnswered = errors.New("answer already submitted for this question")
	// ErrOptionOutOfRange indicates the submitted option index does not exist.
	ErrOptionOutOfRange = errors.New("option index out of range")
	// ErrStaleQuestion indicates a submission targeted a question that is not active.
	ErrStaleQuestion = errors.New("question is not the active question")
	// ErrNotAcceptingAnswers is returned when no question is open.
	ErrNotAcceptingAnswers = errors.New("room is not accepting answers")
	// ErrGameAlreadyStarted is returned for a start command outside the waiting phase.
	ErrGameAlreadyStarted = errors.New("game already started")
	// ErrStartNotAllowed is returned when players are not permitted to start the game.
	ErrStartNotAllowed = errors.New("start not allowed")
	// ErrQuestionsNotFound indicates the question set could not be loaded.
	ErrQuestionsNotFound = errors.New("questions not found")
	// ErrInvalidQuestion indicates a question fails structural validation.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrUnauthenticated is returned when a connection cannot be tied to an identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnboundConnection is returned for game events from a connection with no room binding.
	ErrUnboundConnection = errors.New("connection is not bound to a room")
	// ErrMalformedEvent indicates an inbound payload could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEvent indicates an unsupported inbound event type.
	ErrUnknownEvent = errors.New("unsupported event type")
)
