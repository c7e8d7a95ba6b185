package receiver

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
	"github.com/quietwire/quietwire/session"
)

// MessageEvent carries an incoming conversation message. Confirm removes
// the envelope's durable record; until it is called the message will be
// redelivered on the next connect.
type MessageEvent struct {
	Source       string
	SourceDevice uint32
	Timestamp    uint64
	Message      *protocol.DataMessage
	Confirm      func() error
}

// SentEvent carries a sync transcript of a message sent from another of
// the account's devices.
type SentEvent struct {
	Destination              string
	Timestamp                uint64
	ExpirationStartTimestamp uint64
	Message                  *protocol.DataMessage
	Confirm                  func() error
}

// ReceiptEvent reports a delivery receipt envelope.
type ReceiptEvent struct {
	Source       string
	SourceDevice uint32
	Timestamp    uint64
	Confirm      func() error
}

// ReadEvent reports one read receipt from a read sync message. All
// entries of a single sync envelope share one Confirm.
type ReadEvent struct {
	Reader    string
	Sender    string
	Timestamp uint64
	Confirm   func() error
}

// VerifiedEvent reports an identity verification state change.
// ViaContactSync is set when the change arrived embedded in a contact
// sync record rather than a standalone verified sync.
type VerifiedEvent struct {
	Destination    string
	IdentityKey    []byte
	State          protocol.VerifiedState
	ViaContactSync bool
	Confirm        func() error
}

// ContactEvent reports one contact record from a contact sync blob.
type ContactEvent struct {
	Contact *protocol.ContactDetails
	Confirm func() error
}

// ContactSyncEvent signals that a contact sync blob has been fully
// delivered.
type ContactSyncEvent struct {
	Confirm func() error
}

// GroupEvent reports one group record from a group sync blob, after the
// local group store has been reconciled with it.
type GroupEvent struct {
	Group   *protocol.GroupDetails
	Confirm func() error
}

// GroupSyncEvent signals that a group sync blob has been fully delivered.
type GroupSyncEvent struct {
	Confirm func() error
}

// ErrorEvent reports a failure while receiving or decrypting an envelope.
// Envelope may be nil when the failure happened before parsing.
type ErrorEvent struct {
	Err      error
	Envelope *protocol.Envelope
}

// Callbacks

// OnMessage registers a callback for incoming messages.
func (r *Receiver) OnMessage(fn func(MessageEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

// OnSent registers a callback for sent-message sync transcripts.
func (r *Receiver) OnSent(fn func(SentEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSent = fn
}

// OnReceipt registers a callback for delivery receipts.
func (r *Receiver) OnReceipt(fn func(ReceiptEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceipt = fn
}

// OnRead registers a callback for read receipts from sync messages.
func (r *Receiver) OnRead(fn func(ReadEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRead = fn
}

// OnVerified registers a callback for identity verification changes.
func (r *Receiver) OnVerified(fn func(VerifiedEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onVerified = fn
}

// OnContact registers a callback for contact sync records.
func (r *Receiver) OnContact(fn func(ContactEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onContact = fn
}

// OnContactSync registers a callback for contact sync completion.
func (r *Receiver) OnContactSync(fn func(ContactSyncEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onContactSync = fn
}

// OnGroup registers a callback for group sync records.
func (r *Receiver) OnGroup(fn func(GroupEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGroup = fn
}

// OnGroupSync registers a callback for group sync completion.
func (r *Receiver) OnGroupSync(fn func(GroupSyncEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGroupSync = fn
}

// OnError registers a callback for receive and decrypt failures.
func (r *Receiver) OnError(fn func(ErrorEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *Receiver) emitMessage(ev MessageEvent) {
	r.mu.RLock()
	fn := r.onMessage
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("message").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitSent(ev SentEvent) {
	r.mu.RLock()
	fn := r.onSent
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("sent").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitReceipt(ev ReceiptEvent) {
	r.mu.RLock()
	fn := r.onReceipt
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("receipt").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitRead(ev ReadEvent) {
	r.mu.RLock()
	fn := r.onRead
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("read").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitVerified(ev VerifiedEvent) {
	r.mu.RLock()
	fn := r.onVerified
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("verified").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitContact(ev ContactEvent) {
	r.mu.RLock()
	fn := r.onContact
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("contact").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitContactSync(ev ContactSyncEvent) {
	r.mu.RLock()
	fn := r.onContactSync
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("contact_sync").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitGroup(ev GroupEvent) {
	r.mu.RLock()
	fn := r.onGroup
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("group").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitGroupSync(ev GroupSyncEvent) {
	r.mu.RLock()
	fn := r.onGroupSync
	r.mu.RUnlock()
	eventsEmitted.WithLabelValues("group_sync").Inc()
	if fn != nil {
		fn(ev)
	}
}

func (r *Receiver) emitError(err error, env *protocol.Envelope) {
	r.mu.RLock()
	fn := r.onError
	r.mu.RUnlock()

	fields := logrus.Fields{"error": err}
	if env != nil {
		fields["envelope"] = env.ID()
	}
	var identityErr *session.IdentityKeyError
	if errors.As(err, &identityErr) {
		fields["identity_conflict"] = identityErr.Address.String()
	}
	r.log.WithFields(fields).Warn("receive error")

	if fn != nil {
		fn(ErrorEvent{Err: err, Envelope: env})
	}
}
