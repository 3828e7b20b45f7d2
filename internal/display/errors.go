package display

import (
	"errors"
	"fmt"
)

var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrUnloadedChannel   = errors.New("channel not loaded")
	ErrEmptyContainer    = errors.New("empty container")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	ErrInteractionID     = errors.New("malformed interaction id")
)

type NotFoundError struct {
	Kind string
	ID   uint64
	// Where names the container that was searched, if any.
	Where string
}

func (e *NotFoundError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %d not found in %s", e.Kind, e.ID, e.Where)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrObjectNotFound
}

type UnloadedError struct {
	ChannelID uint64
}

func (e *UnloadedError) Error() string {
	return fmt.Sprintf("display channel %d used before it was loaded", e.ChannelID)
}

func (e *UnloadedError) Is(target error) bool {
	return target == ErrUnloadedChannel
}

type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("parse %s %q", e.Field, e.Value)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedSnapshot
}

type InteractionIDError struct {
	CustomID  string
	MessageID uint64
}

func (e *InteractionIDError) Error() string {
	return fmt.Sprintf("unexpected interaction id %q on message %d", e.CustomID, e.MessageID)
}

func (e *InteractionIDError) Is(target error) bool {
	return target == ErrInteractionID
}
