// Package services defines the business logic that sits on top of the
// storage engine. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// Translation into chat notices or HTTP status codes is performed by the
// bridge and handler layers.
package services

import "errors"

// Mapping-related errors.
var (
	// ErrInvalidMapping is returned when a mapping request is missing a
	// required identifier or names an unknown kind.
	ErrInvalidMapping = errors.New("invalid mapping request")

	// ErrRoomAlreadyMapped indicates that the chat room is already bound to
	// a mapping.
	ErrRoomAlreadyMapped = errors.New("chat room already mapped")

	// ErrPrimaryRoomExists is returned when a caller explicitly asks for a
	// primary room while another room already holds that role.
	ErrPrimaryRoomExists = errors.New("primary room already exists for app and kind")

	// ErrEventConflict indicates that a chat event id is already linked to a
	// different review.
	ErrEventConflict = errors.New("chat event already mapped to another review")

	// ErrRoomNotFound indicates that no mapping exists for the chat room.
	ErrRoomNotFound = errors.New("room mapping not found")
)
