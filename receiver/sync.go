package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
)

// ErrMissingSyncBlob marks a contact or group sync whose blob pointer is
// absent.
var ErrMissingSyncBlob = errors.New("receiver: sync message without blob pointer")

// handleSyncMessage dispatches a validated sync message by variant.
func (r *Receiver) handleSyncMessage(env *protocol.Envelope, msg *protocol.SyncMessage, id string, confirm func() error) error {
	switch {
	case msg.Sent != nil:
		return r.handleSentTranscript(env, msg.Sent, id, confirm)
	case msg.Contacts != nil:
		return r.handleContactSync(env, msg.Contacts, id, confirm)
	case msg.Groups != nil:
		return r.handleGroupSync(env, msg.Groups, id, confirm)
	case msg.Blocked != nil:
		r.SetBlocked(msg.Blocked.Numbers)
		return r.store.Remove(id)
	case msg.Request != nil:
		r.log.WithField("envelope", env.ID()).Info("ignoring inbound sync request")
		return r.store.Remove(id)
	case len(msg.Read) > 0:
		for _, rr := range msg.Read {
			r.emitRead(ReadEvent{
				Reader:    env.Source,
				Sender:    rr.Sender,
				Timestamp: rr.Timestamp,
				Confirm:   confirm,
			})
		}
		return nil
	case msg.Verified != nil:
		r.emitVerified(VerifiedEvent{
			Destination: msg.Verified.Destination,
			IdentityKey: msg.Verified.IdentityKey,
			State:       msg.Verified.State,
			Confirm:     confirm,
		})
		return nil
	default:
		return r.discard(env, id, ErrEmptySyncMessage)
	}
}

// handleSentTranscript replays a message sent from another own device
// through the same normalization pipeline as an incoming message.
func (r *Receiver) handleSentTranscript(env *protocol.Envelope, sent *protocol.SentTranscript, id string, confirm func() error) error {
	msg := sent.Message
	if msg == nil {
		return r.discard(env, id, fmt.Errorf("receiver: sent transcript without message"))
	}

	// End-session transcripts tear down our sessions with the destination,
	// not with the sending device.
	if err := r.normalize(sent.Destination, msg); err != nil {
		return r.discard(env, id, err)
	}
	if err := r.reconcileGroup(env.Source, msg); err != nil {
		if errors.Is(err, ErrUnknownGroupType) {
			return r.discard(env, id, err)
		}
		r.emitError(err, env)
		return err
	}
	if err := r.resolveAttachments(msg); err != nil {
		r.emitError(err, env)
		return err
	}

	r.emitSent(SentEvent{
		Destination:              sent.Destination,
		Timestamp:                sent.Timestamp,
		ExpirationStartTimestamp: sent.ExpirationStartTimestamp,
		Message:                  msg,
		Confirm:                  confirm,
	})
	return nil
}

// fetchSyncBlob resolves the attachment carrying a batched sync payload.
func (r *Receiver) fetchSyncBlob(blob *protocol.BlobSync) ([]byte, error) {
	if blob.Blob == nil {
		return nil, ErrMissingSyncBlob
	}
	if r.attachments == nil {
		return nil, fmt.Errorf("receiver: no attachment resolver for sync blob")
	}
	if err := r.attachments.Resolve(context.Background(), blob.Blob); err != nil {
		return nil, fmt.Errorf("fetch sync blob: %w", err)
	}
	return blob.Blob.Data, nil
}

// handleContactSync streams the contact records of a contact sync blob,
// emitting one event per record in blob order.
func (r *Receiver) handleContactSync(env *protocol.Envelope, blob *protocol.BlobSync, id string, confirm func() error) error {
	data, err := r.fetchSyncBlob(blob)
	if err != nil {
		if errors.Is(err, ErrMissingSyncBlob) {
			return r.discard(env, id, err)
		}
		r.emitError(err, env)
		return err
	}

	reader := protocol.NewContactReader(data)
	count := 0
	for {
		contact, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A malformed record desyncs the length-prefixed stream; the
			// remainder of the blob is unreadable.
			syncRecordFailures.Inc()
			r.log.WithError(err).WithField("records", count).Warn("contact sync blob truncated")
			break
		}
		count++
		r.emitContact(ContactEvent{Contact: contact, Confirm: confirm})
		if contact.Verified != nil {
			r.emitVerified(VerifiedEvent{
				Destination:    contact.Verified.Destination,
				IdentityKey:    contact.Verified.IdentityKey,
				State:          contact.Verified.State,
				ViaContactSync: true,
				Confirm:        confirm,
			})
		}
	}

	r.log.WithFields(logrus.Fields{
		"envelope": env.ID(),
		"records":  count,
	}).Info("contact sync delivered")
	r.emitContactSync(ContactSyncEvent{Confirm: confirm})
	return nil
}

// handleGroupSync reconciles the local group store with every record of a
// group sync blob. Records are applied concurrently; a record failure is
// counted and logged but does not abort the batch.
func (r *Receiver) handleGroupSync(env *protocol.Envelope, blob *protocol.BlobSync, id string, confirm func() error) error {
	data, err := r.fetchSyncBlob(blob)
	if err != nil {
		if errors.Is(err, ErrMissingSyncBlob) {
			return r.discard(env, id, err)
		}
		r.emitError(err, env)
		return err
	}

	var groups []*protocol.GroupDetails
	reader := protocol.NewGroupReader(data)
	for {
		group, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			syncRecordFailures.Inc()
			r.log.WithError(err).WithField("records", len(groups)).Warn("group sync blob truncated")
			break
		}
		groups = append(groups, group)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group *protocol.GroupDetails) {
			defer wg.Done()
			if err := r.applyGroupRecord(group); err != nil {
				syncRecordFailures.Inc()
				r.log.WithError(err).WithField("group", fmt.Sprintf("%x", group.ID)).Warn("applying group sync record failed")
				return
			}
			if group.Avatar != nil && r.attachments != nil {
				if err := r.attachments.Resolve(context.Background(), group.Avatar); err != nil {
					r.log.WithError(err).WithField("group", fmt.Sprintf("%x", group.ID)).Warn("resolving group avatar failed")
				}
			}
			r.emitGroup(GroupEvent{Group: group, Confirm: confirm})
		}(group)
	}
	wg.Wait()

	r.log.WithFields(logrus.Fields{
		"envelope": env.ID(),
		"records":  len(groups),
	}).Info("group sync delivered")
	r.emitGroupSync(GroupSyncEvent{Confirm: confirm})
	return nil
}

// applyGroupRecord brings the local store in line with one synced group.
func (r *Receiver) applyGroupRecord(group *protocol.GroupDetails) error {
	if r.groups == nil {
		return nil
	}
	if !group.Active {
		return r.groups.DeleteGroup(group.ID)
	}
	rec, err := r.groups.GetGroup(group.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return r.groups.CreateGroup(group.ID, group.Members)
	}
	return r.groups.ReplaceGroupMembers(group.ID, group.Members)
}
