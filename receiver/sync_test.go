package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/attachment"
	"github.com/quietwire/quietwire/protocol"
)

// stageBlob seals a sync blob payload and registers it with the fetcher.
func (h *harness) stageBlob(t *testing.T, id uint64, payload []byte) *protocol.AttachmentPointer {
	t.Helper()
	key := make([]byte, attachment.KeySize)
	for i := range key {
		key[i] = byte(id + uint64(i))
	}
	ciphertext, digest, err := attachment.Seal(payload, key)
	require.NoError(t, err)
	h.fetcher[id] = ciphertext
	return &protocol.AttachmentPointer{ID: id, Key: key, Digest: digest}
}

func TestContactSyncStreamsRecords(t *testing.T) {
	h := newHarness(t)
	contacts := make(chan ContactEvent, 2)
	verified := make(chan VerifiedEvent, 1)
	done := make(chan ContactSyncEvent, 1)
	h.recv.OnContact(func(ev ContactEvent) { contacts <- ev })
	h.recv.OnVerified(func(ev VerifiedEvent) { verified <- ev })
	h.recv.OnContactSync(func(ev ContactSyncEvent) { done <- ev })

	var blob []byte
	first, err := (&protocol.ContactDetails{
		Number: peerNumber,
		Name:   "Alice",
		Verified: &protocol.Verified{
			Destination: peerNumber,
			IdentityKey: []byte{9, 9, 9},
			State:       protocol.VerifiedVerified,
		},
	}).Marshal()
	require.NoError(t, err)
	second, err := (&protocol.ContactDetails{Number: "+14155550123", Name: "Bob"}).Marshal()
	require.NoError(t, err)
	blob = protocol.AppendFrame(blob, first)
	blob = protocol.AppendFrame(blob, second)

	sync := &protocol.SyncMessage{Contacts: &protocol.BlobSync{
		Blob:     h.stageBlob(t, 500, blob),
		Complete: true,
	}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 200, &protocol.Content{SyncMessage: sync})

	ev := waitEvent(t, contacts)
	assert.Equal(t, "Alice", ev.Contact.Name)

	vev := waitEvent(t, verified)
	assert.Equal(t, peerNumber, vev.Destination)
	assert.True(t, vev.ViaContactSync)

	ev = waitEvent(t, contacts)
	assert.Equal(t, "Bob", ev.Contact.Name)

	fin := waitEvent(t, done)
	require.NoError(t, fin.Confirm())
	h.waitCount(t, 0)
}

func TestGroupSyncReconcilesStore(t *testing.T) {
	h := newHarness(t)
	groups := make(chan GroupEvent, 2)
	done := make(chan GroupSyncEvent, 1)
	h.recv.OnGroup(func(ev GroupEvent) { groups <- ev })
	h.recv.OnGroupSync(func(ev GroupSyncEvent) { done <- ev })

	activeID := []byte{1, 1, 1, 1}
	deadID := []byte{2, 2, 2, 2}
	require.NoError(t, h.store.CreateGroup(deadID, []string{peerNumber}))

	var blob []byte
	active, err := (&protocol.GroupDetails{
		ID:      activeID,
		Name:    "book club",
		Members: []string{peerNumber, localNumber},
		Active:  true,
	}).Marshal()
	require.NoError(t, err)
	dead, err := (&protocol.GroupDetails{ID: deadID, Name: "defunct"}).Marshal()
	require.NoError(t, err)
	blob = protocol.AppendFrame(blob, active)
	blob = protocol.AppendFrame(blob, dead)

	sync := &protocol.SyncMessage{Groups: &protocol.BlobSync{
		Blob:     h.stageBlob(t, 501, blob),
		Complete: true,
	}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 210, &protocol.Content{SyncMessage: sync})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, groups)
		seen[ev.Group.Name] = true
	}
	assert.True(t, seen["book club"])
	assert.True(t, seen["defunct"])

	fin := waitEvent(t, done)

	rec, err := h.store.GetGroup(activeID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{peerNumber, localNumber}, rec.Members)

	rec, err = h.store.GetGroup(deadID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, fin.Confirm())
	h.waitCount(t, 0)
}

func TestSentTranscript(t *testing.T) {
	h := newHarness(t)
	events := make(chan SentEvent, 1)
	h.recv.OnSent(func(ev SentEvent) { events <- ev })

	sync := &protocol.SyncMessage{Sent: &protocol.SentTranscript{
		Destination: peerNumber,
		Timestamp:   987,
		Message:     &protocol.DataMessage{Body: "from my other device"},
	}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 220, &protocol.Content{SyncMessage: sync})

	ev := waitEvent(t, events)
	assert.Equal(t, peerNumber, ev.Destination)
	assert.Equal(t, uint64(987), ev.Timestamp)
	assert.Equal(t, "from my other device", ev.Message.Body)
	require.NoError(t, ev.Confirm())
	h.waitCount(t, 0)
}

func TestSelfQuitTranscriptDeletesGroup(t *testing.T) {
	h := newHarness(t)
	events := make(chan SentEvent, 1)
	h.recv.OnSent(func(ev SentEvent) { events <- ev })

	id := []byte{3, 3, 3, 3}
	require.NoError(t, h.store.CreateGroup(id, []string{localNumber, peerNumber}))

	sync := &protocol.SyncMessage{Sent: &protocol.SentTranscript{
		Destination: peerNumber,
		Timestamp:   225,
		Message: &protocol.DataMessage{
			Body:  "leaving",
			Group: &protocol.GroupContext{ID: id, Type: protocol.GroupTypeQuit},
		},
	}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 225, &protocol.Content{SyncMessage: sync})

	ev := waitEvent(t, events)
	assert.Empty(t, ev.Message.Body)
	require.NoError(t, ev.Confirm())

	rec, err := h.store.GetGroup(id)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEmptySyncMessageIsFatal(t *testing.T) {
	h := newHarness(t)
	errs := make(chan ErrorEvent, 1)
	h.recv.OnError(func(ev ErrorEvent) { errs <- ev })

	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 230, &protocol.Content{SyncMessage: &protocol.SyncMessage{}})

	ev := waitEvent(t, errs)
	assert.ErrorIs(t, ev.Err, ErrEmptySyncMessage)
	h.waitCount(t, 0)
}

func TestReadSyncWithNoEntriesIsFatal(t *testing.T) {
	h := newHarness(t)
	errs := make(chan ErrorEvent, 1)
	h.recv.OnError(func(ev ErrorEvent) { errs <- ev })
	reads := make(chan ReadEvent, 1)
	h.recv.OnRead(func(ev ReadEvent) { reads <- ev })

	// A read sync with an empty entry list carries nothing to act on; the
	// record must still reach a terminal state instead of lingering for
	// redelivery.
	sync := &protocol.SyncMessage{Read: []protocol.ReadReceipt{}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 235, &protocol.Content{SyncMessage: sync})

	ev := waitEvent(t, errs)
	assert.ErrorIs(t, ev.Err, ErrEmptySyncMessage)
	assert.Empty(t, reads)
	h.waitCount(t, 0)
}

func TestContactSyncWithoutBlobIsFatal(t *testing.T) {
	h := newHarness(t)
	errs := make(chan ErrorEvent, 1)
	h.recv.OnError(func(ev ErrorEvent) { errs <- ev })

	sync := &protocol.SyncMessage{Contacts: &protocol.BlobSync{Complete: true}}
	h.deliverContent(t, h.syncPeer, localNumber, syncDevice, 240, &protocol.Content{SyncMessage: sync})

	ev := waitEvent(t, errs)
	assert.ErrorIs(t, ev.Err, ErrMissingSyncBlob)
	h.waitCount(t, 0)
}
