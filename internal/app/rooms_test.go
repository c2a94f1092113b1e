package app

import (
	"testing"

	"github.com/dkeye/Copilot/internal/apperr"
	"github.com/dkeye/Copilot/internal/domain"
	"github.com/dkeye/Copilot/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*RoomRegistry, *UserRegistry) {
	t.Helper()
	pool, err := media.NewPool(media.Config{NumWorkers: 1})
	require.NoError(t, err)
	users := NewUserRegistry()
	return NewRoomRegistry(pool, media.NewRegistry(), users), users
}

func TestCreateRoomValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.CreateRoom("", "author", "")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeRoomFieldsMissing, ae.Code)
	assert.True(t, ae.Operational)

	_, err = reg.CreateRoom("room-1", "", "")
	assert.ErrorAs(t, err, &ae)
}

func TestCreateRoomIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	r1, err := reg.CreateRoom("room-1", "author", "sales call")
	require.NoError(t, err)
	r2, err := reg.CreateRoom("room-1", "someone-else", "other prompt")
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, "sales call", r2.Prompt)
	assert.NotNil(t, r1.Router())
}

func TestCreateRoomWithoutWorkers(t *testing.T) {
	reg := NewRoomRegistry(&media.Pool{}, media.NewRegistry(), NewUserRegistry())

	_, err := reg.CreateRoom("room-1", "author", "")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeRoomCreateFailed, ae.Code)
	assert.ErrorIs(t, err, media.ErrNoWorkersInitialized)
}

func TestJoinRoomLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("room-1", "u-alice", "")
	require.NoError(t, err)

	alice := identity(t, "u-alice", "Alice", domain.RoleUser)
	bob := identity(t, "u-bob", "Bob", domain.RoleUser)
	carol := identity(t, "u-carol", "Carol", domain.RoleUser)

	// Unknown room is a hard error.
	_, err = reg.JoinRoom("nope", alice)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeRoomNotFound, ae.Code)

	res, err := reg.JoinRoom("room-1", alice)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Joined the room successfully", res.Message)
	require.NotNil(t, res.RouterRtpCapabilities)
	assert.NotEmpty(t, res.RouterRtpCapabilities.Codecs)

	res, err = reg.JoinRoom("room-1", bob)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Third participant is a soft failure, never an error.
	res, err = reg.JoinRoom("room-1", carol)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Room is full", res.Message)
	assert.Nil(t, res.RouterRtpCapabilities)

	// A member joining again is a rejoin, even when the room is full.
	res, err = reg.JoinRoom("room-1", alice)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Rejoined)
	assert.Equal(t, "Rejoined the room successfully", res.Message)

	room, ok := reg.Get("room-1")
	require.True(t, ok)
	assert.Equal(t, 2, room.Count())
}

func TestRemoveParticipantDestroysEmptyRoom(t *testing.T) {
	reg, users := newTestRegistry(t)
	_, err := reg.CreateRoom("room-1", "u-alice", "")
	require.NoError(t, err)

	alice := identity(t, "u-alice", "Alice", domain.RoleUser)
	bob := identity(t, "u-bob", "Bob", domain.RoleUser)
	users.AddOrUpdate(alice, "sock-a")
	users.AddOrUpdate(bob, "sock-b")

	_, err = reg.JoinRoom("room-1", alice)
	require.NoError(t, err)
	_, err = reg.JoinRoom("room-1", bob)
	require.NoError(t, err)

	reg.RemoveParticipant("room-1", "u-alice")
	_, ok := users.GetByUserID("u-alice")
	assert.False(t, ok, "leaving releases the user's resources")
	_, ok = reg.Get("room-1")
	assert.True(t, ok, "room survives while bob remains")

	reg.RemoveParticipant("room-1", "u-bob")
	_, ok = reg.Get("room-1")
	assert.False(t, ok, "empty room is destroyed")

	// Removing from a gone room is a no-op.
	reg.RemoveParticipant("room-1", "u-bob")
}

func TestFindRoomByUser(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("room-1", "u-alice", "")
	require.NoError(t, err)
	_, err = reg.CreateRoom("room-2", "u-zed", "")
	require.NoError(t, err)

	alice := identity(t, "u-alice", "Alice", domain.RoleUser)
	_, err = reg.JoinRoom("room-2", alice)
	require.NoError(t, err)

	room, ok := reg.FindRoomByUser("u-alice")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("room-2"), room.ID)

	_, ok = reg.FindRoomByUser("u-nobody")
	assert.False(t, ok)
}
