package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupLifecycle(t *testing.T) {
	s := openTestStore(t)
	id := []byte{0xde, 0xad, 0xbe, 0xef}

	rec, err := s.GetGroup(id)
	require.NoError(t, err)
	assert.Nil(t, rec, "unknown group reads as nil, not an error")

	require.NoError(t, s.CreateGroup(id, []string{"+1", "+2", "+3"}))

	rec, err = s.GetGroup(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, []string{"+1", "+2", "+3"}, rec.Members)

	// Replacement is a full overwrite, never a merge.
	require.NoError(t, s.ReplaceGroupMembers(id, []string{"+4"}))
	rec, err = s.GetGroup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"+4"}, rec.Members)

	require.NoError(t, s.DeleteGroup(id))
	rec, err = s.GetGroup(id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.DeleteGroup(id)) // idempotent
}

func TestRemoveGroupMember(t *testing.T) {
	s := openTestStore(t)
	id := []byte{0x01}

	require.NoError(t, s.CreateGroup(id, []string{"+1", "+2"}))
	require.NoError(t, s.RemoveGroupMember(id, "+1"))

	rec, err := s.GetGroup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"+2"}, rec.Members)

	// Removing a non-member leaves the set unchanged.
	require.NoError(t, s.RemoveGroupMember(id, "+9"))
	rec, err = s.GetGroup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"+2"}, rec.Members)
}

func TestGroupOperationsOnMissingGroup(t *testing.T) {
	s := openTestStore(t)

	err := s.ReplaceGroupMembers([]byte{0xff}, []string{"+1"})
	assert.ErrorIs(t, err, ErrGroupNotFound)

	err = s.RemoveGroupMember([]byte{0xff}, "+1")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestCreateGroupEmptyMembers(t *testing.T) {
	s := openTestStore(t)
	id := []byte{0x02}

	require.NoError(t, s.CreateGroup(id, nil))
	rec, err := s.GetGroup(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.Members)
}
