package domain

type RoomID string

// RoomCapacity is fixed: one call is two parties.
const RoomCapacity = 2

type Room struct {
	ID       RoomID
	AuthorID UserID
}
