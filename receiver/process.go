package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
	"github.com/quietwire/quietwire/session"
)

var (
	// ErrUnknownFlags marks a data message using flag bits this build does
	// not understand. Acting on half-understood flags is worse than
	// dropping the message.
	ErrUnknownFlags = errors.New("receiver: unknown message flags")
	// ErrUnknownGroupType marks a group context with an unrecognized
	// transition type.
	ErrUnknownGroupType = errors.New("receiver: unknown group message type")
)

// handleDataMessage normalizes a decrypted data message, reconciles group
// state, resolves attachments and emits the message event.
func (r *Receiver) handleDataMessage(env *protocol.Envelope, msg *protocol.DataMessage, id string, confirm func() error) error {
	if err := r.normalize(env.Source, msg); err != nil {
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

	r.emitMessage(MessageEvent{
		Source:       env.Source,
		SourceDevice: env.SourceDevice,
		Timestamp:    env.Timestamp,
		Message:      msg,
		Confirm:      confirm,
	})
	return nil
}

// normalize applies flag semantics. A flagged message carries no body,
// attachments or group payload regardless of what the sender included. The
// branches are checked in order: an end-session or timer-update bit wins
// even when the sender sets bits this build does not understand.
func (r *Receiver) normalize(source string, msg *protocol.DataMessage) error {
	switch {
	case msg.Flags&protocol.FlagEndSession != 0:
		r.closeSessions(source)
		msg.Body = ""
		msg.Attachments = nil
		msg.Group = nil
	case msg.Flags&protocol.FlagExpirationTimerUpdate != 0:
		msg.Body = ""
		msg.Attachments = nil
	case msg.Flags != 0:
		return fmt.Errorf("%w: 0x%x", ErrUnknownFlags, msg.Flags)
	}
	return nil
}

// closeSessions discards every session with the peer. Failures are logged;
// the end-session message itself is still delivered.
func (r *Receiver) closeSessions(name string) {
	ids, err := r.cipher.DeviceIDs(name)
	if err != nil {
		r.log.WithError(err).WithField("peer", name).Warn("listing sessions for end-session failed")
		return
	}
	for _, deviceID := range ids {
		addr := session.Address{Name: name, DeviceID: deviceID}
		if err := r.cipher.CloseSession(addr); err != nil {
			r.log.WithError(err).WithField("address", addr.String()).Warn("closing session failed")
		}
	}
	r.log.WithFields(logrus.Fields{
		"peer":     name,
		"sessions": len(ids),
	}).Info("sessions closed by end-session message")
}

// reconcileGroup applies a message's group context to the local group store
// and reduces the context to what the event consumer should see.
func (r *Receiver) reconcileGroup(source string, msg *protocol.DataMessage) error {
	group := msg.Group
	if group == nil {
		return nil
	}
	if r.groups == nil {
		return nil
	}

	rec, err := r.groups.GetGroup(group.ID)
	if err != nil {
		return fmt.Errorf("look up group: %w", err)
	}

	if rec == nil && group.Type != protocol.GroupTypeUpdate {
		// First sighting of this group is not an update; record the sender
		// as the only known member until an update arrives.
		r.log.WithFields(logrus.Fields{
			"group":  fmt.Sprintf("%x", group.ID),
			"type":   group.Type.String(),
			"source": source,
		}).Warn("message for unknown group")
		if err := r.groups.CreateGroup(group.ID, []string{source}); err != nil {
			return fmt.Errorf("record unknown group: %w", err)
		}
	} else if rec != nil && !memberOf(rec.Members, source) {
		r.log.WithFields(logrus.Fields{
			"group":  fmt.Sprintf("%x", group.ID),
			"source": source,
		}).Warn("sender is not a known group member")
	}

	switch group.Type {
	case protocol.GroupTypeUpdate:
		msg.Body = ""
		msg.Attachments = nil
		if rec == nil {
			if err := r.groups.CreateGroup(group.ID, group.Members); err != nil {
				return fmt.Errorf("create group: %w", err)
			}
		} else if err := r.groups.ReplaceGroupMembers(group.ID, group.Members); err != nil {
			return fmt.Errorf("replace group members: %w", err)
		}
	case protocol.GroupTypeDeliver:
		// A deliver context only addresses the group; the id is all the
		// consumer should see.
		group.Name = ""
		group.Members = nil
		group.Avatar = nil
	case protocol.GroupTypeQuit:
		msg.Body = ""
		msg.Attachments = nil
		if source == r.number {
			if err := r.groups.DeleteGroup(group.ID); err != nil {
				return fmt.Errorf("delete group: %w", err)
			}
		} else if rec != nil {
			if err := r.groups.RemoveGroupMember(group.ID, source); err != nil {
				return fmt.Errorf("remove group member: %w", err)
			}
		}
		group.Name = ""
		group.Members = nil
		group.Avatar = nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownGroupType, group.Type)
	}
	return nil
}

func memberOf(members []string, name string) bool {
	for _, m := range members {
		if m == name {
			return true
		}
	}
	return false
}

// resolveAttachments fetches and decrypts every attachment of the message
// concurrently, including a group update's avatar. The first failure wins.
func (r *Receiver) resolveAttachments(msg *protocol.DataMessage) error {
	if r.attachments == nil {
		return nil
	}

	pointers := make([]*protocol.AttachmentPointer, 0, len(msg.Attachments)+1)
	pointers = append(pointers, msg.Attachments...)
	if msg.Group != nil && msg.Group.Avatar != nil {
		pointers = append(pointers, msg.Group.Avatar)
	}
	if len(pointers) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, p := range pointers {
		wg.Add(1)
		go func(p *protocol.AttachmentPointer) {
			defer wg.Done()
			if err := r.attachments.Resolve(context.Background(), p); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("resolve attachment %d: %w", p.ID, err)
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return firstErr
}
