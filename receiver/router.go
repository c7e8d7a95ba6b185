package receiver

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
)

var (
	// ErrEmptyEnvelope marks an envelope carrying neither content nor a
	// legacy message.
	ErrEmptyEnvelope = errors.New("receiver: envelope has no payload")
	// ErrUnsupportedContent marks a content wrapper with no recognized
	// variant.
	ErrUnsupportedContent = errors.New("receiver: unsupported content")
	// ErrEmptySyncMessage marks a sync message with no recognized variant.
	ErrEmptySyncMessage = errors.New("receiver: empty sync message")
	// ErrSyncFromOtherNumber marks a sync message whose source is not the
	// local account.
	ErrSyncFromOtherNumber = errors.New("receiver: sync message from another number")
	// ErrSyncFromOwnDevice marks a sync message reflected from this very
	// device.
	ErrSyncFromOwnDevice = errors.New("receiver: sync message from own device")
)

// handleEnvelope processes one envelope to completion. A nil return means
// the envelope reached a terminal state; a non-nil return means a transient
// failure and the durable record stays for redelivery.
func (r *Receiver) handleEnvelope(env *protocol.Envelope, id string, decrypted []byte) error {
	log := r.log.WithFields(logrus.Fields{
		"envelope": env.ID(),
		"type":     env.Type.String(),
	})
	log.Info("processing envelope")

	if env.Type == protocol.EnvelopeReceipt {
		r.emitReceipt(ReceiptEvent{
			Source:       env.Source,
			SourceDevice: env.SourceDevice,
			Timestamp:    env.Timestamp,
			Confirm:      r.confirmer(id),
		})
		return nil
	}

	plaintext := decrypted
	if plaintext == nil {
		ciphertext := env.Content
		if ciphertext == nil {
			ciphertext = env.LegacyMessage
		}
		if ciphertext == nil {
			return r.discard(env, id, ErrEmptyEnvelope)
		}

		var err error
		plaintext, err = r.decrypt(env, ciphertext)
		if err != nil {
			if errors.Is(err, ErrUnsupportedEnvelopeType) {
				return r.discard(env, id, err)
			}
			r.emitError(err, env)
			return err
		}

		if err := r.store.MarkDecrypted(id, plaintext); err != nil {
			log.WithError(err).Warn("decryption checkpoint failed")
		}
	} else {
		log.Info("reusing checkpointed plaintext")
	}

	return r.routeDecrypted(env, id, plaintext)
}

// routeDecrypted dispatches a decrypted payload by envelope shape.
func (r *Receiver) routeDecrypted(env *protocol.Envelope, id string, plaintext []byte) error {
	confirm := r.confirmer(id)

	if env.Content != nil {
		content, err := protocol.ParseContent(plaintext)
		if err != nil {
			return r.discard(env, id, err)
		}
		switch {
		case content.DataMessage != nil:
			return r.handleDataMessage(env, content.DataMessage, id, confirm)
		case content.SyncMessage != nil:
			if err := r.validateSyncSource(env); err != nil {
				return r.discard(env, id, err)
			}
			return r.handleSyncMessage(env, content.SyncMessage, id, confirm)
		case content.NullMessage != nil:
			r.log.WithField("envelope", env.ID()).Info("null message, discarding")
			return r.store.Remove(id)
		default:
			return r.discard(env, id, ErrUnsupportedContent)
		}
	}

	msg, err := protocol.ParseDataMessage(plaintext)
	if err != nil {
		return r.discard(env, id, err)
	}
	return r.handleDataMessage(env, msg, id, confirm)
}

// validateSyncSource enforces that sync messages only travel between a
// user's own devices.
func (r *Receiver) validateSyncSource(env *protocol.Envelope) error {
	if env.Source != r.number {
		return fmt.Errorf("%w: %s", ErrSyncFromOtherNumber, env.Source)
	}
	if env.SourceDevice == r.deviceID {
		return fmt.Errorf("%w: device %d", ErrSyncFromOwnDevice, env.SourceDevice)
	}
	return nil
}

// discard handles a non-retryable failure: the durable record is removed so
// the envelope is never redelivered, and the failure is reported.
func (r *Receiver) discard(env *protocol.Envelope, id string, cause error) error {
	if err := r.store.Remove(id); err != nil {
		r.emitError(cause, env)
		return err
	}
	r.emitError(cause, env)
	return nil
}
