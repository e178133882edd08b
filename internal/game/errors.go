package game

import "errors"

// Error codes carried on the error event sent to the offending connection.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not-found"
	CodeForbidden    = "forbidden"
	CodeRoomFull     = "room-full"
	CodeInvalidPhase = "invalid-phase"
)

var ErrRoomFull = errors.New("room is full")

// CommandError is a recoverable, per-command failure. It never mutates room
// state and is reported only to the connection that issued the command.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

func errValidation(msg string) *CommandError {
	return &CommandError{Code: CodeValidation, Message: msg}
}

func errNotFound(msg string) *CommandError {
	return &CommandError{Code: CodeNotFound, Message: msg}
}

func errForbidden(msg string) *CommandError {
	return &CommandError{Code: CodeForbidden, Message: msg}
}

func errRoomFull() *CommandError {
	return &CommandError{Code: CodeRoomFull, Message: "Room is full"}
}

func errInvalidPhase(msg string) *CommandError {
	return &CommandError{Code: CodeInvalidPhase, Message: msg}
}
