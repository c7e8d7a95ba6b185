package receiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
	"github.com/quietwire/quietwire/session"
	"github.com/quietwire/quietwire/store"
	"github.com/quietwire/quietwire/transport"
)

// MessagePath is the transport request path that carries envelopes. Requests
// for any other path are acknowledged and ignored.
const MessagePath = "/api/v1/message"

// reconnectDelay paces reconnect attempts after an unexpected transport loss.
const reconnectDelay = 5 * time.Second

// UnprocessedStore is the durable envelope store contract, satisfied by
// *store.Store.
type UnprocessedStore interface {
	Persist(env *protocol.Envelope, raw []byte) (string, error)
	MarkDecrypted(id string, plaintext []byte) error
	Remove(id string) error
	LoadAll() ([]store.LoadedEnvelope, error)
}

// GroupStore is the local group membership store contract, satisfied by
// *store.Store.
type GroupStore interface {
	GetGroup(id []byte) (*store.GroupRecord, error)
	CreateGroup(id []byte, members []string) error
	ReplaceGroupMembers(id []byte, members []string) error
	RemoveGroupMember(id []byte, member string) error
	DeleteGroup(id []byte) error
}

// AttachmentResolver fetches and decrypts attachment pointers in place,
// satisfied by *attachment.Resolver.
type AttachmentResolver interface {
	Resolve(ctx context.Context, p *protocol.AttachmentPointer) error
}

// Config assembles the collaborators of a Receiver.
type Config struct {
	// Number and DeviceID identify the local account device. Sync messages
	// are only accepted from other devices of this number.
	Number   string
	DeviceID uint32

	// SignalingKey decrypts envelope bodies arriving over the transport.
	SignalingKey [transport.SignalingKeySize]byte

	Cipher      session.Cipher
	Store       UnprocessedStore
	Groups      GroupStore
	Attachments AttachmentResolver
	Transport   transport.Transport

	// Logger is optional; logrus.StandardLogger is used when nil.
	Logger *logrus.Logger
}

// Receiver drives the inbound pipeline: accept, persist, decrypt, route.
type Receiver struct {
	number   string
	deviceID uint32

	signalingKey [transport.SignalingKeySize]byte
	cipher       session.Cipher
	store        UnprocessedStore
	groups       GroupStore
	attachments  AttachmentResolver
	transport    transport.Transport
	log          *logrus.Entry

	queue *taskQueue

	mu      sync.RWMutex
	blocked map[string]struct{}
	closed  bool

	onMessage     func(MessageEvent)
	onSent        func(SentEvent)
	onReceipt     func(ReceiptEvent)
	onRead        func(ReadEvent)
	onVerified    func(VerifiedEvent)
	onContact     func(ContactEvent)
	onContactSync func(ContactSyncEvent)
	onGroup       func(GroupEvent)
	onGroupSync   func(GroupSyncEvent)
	onError       func(ErrorEvent)
}

// New assembles a Receiver from its collaborators.
func New(cfg Config) (*Receiver, error) {
	if cfg.Number == "" {
		return nil, fmt.Errorf("receiver: number is required")
	}
	if cfg.Cipher == nil || cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("receiver: cipher, store and transport are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "receiver")

	return &Receiver{
		number:       cfg.Number,
		deviceID:     cfg.DeviceID,
		signalingKey: cfg.SignalingKey,
		cipher:       cfg.Cipher,
		store:        cfg.Store,
		groups:       cfg.Groups,
		attachments:  cfg.Attachments,
		transport:    cfg.Transport,
		log:          log,
		queue:        newTaskQueue(log),
		blocked:      make(map[string]struct{}),
	}, nil
}

// Connect opens the transport and queues every stored envelope left over
// from previous runs, oldest first, ahead of new traffic.
func (r *Receiver) Connect() error {
	if err := r.transport.Connect(r.handleRequest, r.onTransportClose); err != nil {
		return fmt.Errorf("receiver: connect: %w", err)
	}
	return r.queueAllUnprocessed()
}

// Status reports the transport connection state, so applications can show
// whether messages are currently flowing.
func (r *Receiver) Status() transport.Status {
	return r.transport.Status()
}

// Close shuts the transport and drains the processing queue.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.transport.Close()
	r.queue.close()
	return err
}

// SetBlocked replaces the sender blocklist. Envelopes from blocked numbers
// are acknowledged and dropped before persistence.
func (r *Receiver) SetBlocked(numbers []string) {
	set := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		set[n] = struct{}{}
	}
	r.mu.Lock()
	r.blocked = set
	r.mu.Unlock()
	r.log.WithField("count", len(set)).Info("blocklist replaced")
}

func (r *Receiver) isBlocked(number string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[number]
	return ok
}

func (r *Receiver) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// handleRequest accepts one transport request. The envelope is durably
// persisted before the request is acknowledged; acknowledgement therefore
// transfers responsibility for delivery from the server to this store.
func (r *Receiver) handleRequest(req *transport.Request) {
	if req.Verb != "PUT" || req.Path != MessagePath {
		r.log.WithFields(logrus.Fields{
			"verb": req.Verb,
			"path": req.Path,
		}).Info("ignoring non-message request")
		_ = req.Respond(200, "OK")
		return
	}

	plaintext, err := transport.DecryptSignalingMessage(req.Body, r.signalingKey)
	if err != nil {
		_ = req.Respond(500, "Bad encrypted websocket message")
		r.emitError(fmt.Errorf("decrypt signaling message: %w", err), nil)
		return
	}

	env, err := protocol.ParseEnvelope(plaintext)
	if err != nil {
		_ = req.Respond(500, "Bad envelope")
		r.emitError(fmt.Errorf("parse incoming envelope: %w", err), nil)
		return
	}
	envelopesReceived.WithLabelValues(env.Type.String()).Inc()

	if r.isBlocked(env.Source) {
		r.log.WithField("source", env.Source).Info("dropping envelope from blocked number")
		_ = req.Respond(200, "OK")
		return
	}

	id, err := r.store.Persist(env, plaintext)
	if err != nil {
		_ = req.Respond(500, "Failed to cache message")
		r.emitError(err, env)
		return
	}
	_ = req.Respond(200, "OK")

	r.queueEnvelope(env, id, nil)
}

// queueEnvelope schedules one envelope for serial processing. decrypted is
// the checkpointed plaintext from a previous attempt, or nil.
func (r *Receiver) queueEnvelope(env *protocol.Envelope, id string, decrypted []byte) {
	r.queue.submit(func() error {
		return r.handleEnvelope(env, id, decrypted)
	})
}

// queueAllUnprocessed reloads the durable backlog into the queue.
func (r *Receiver) queueAllUnprocessed() error {
	loaded, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("receiver: load unprocessed: %w", err)
	}
	for _, le := range loaded {
		if le.Record.Attempts >= store.MaxAttempts {
			poisonDiscards.Inc()
		}
		r.queueEnvelope(le.Envelope, le.Record.ID, le.Record.Decrypted)
	}
	return nil
}

// confirmer builds the Confirm closure handed to event callbacks. Confirm
// removes the envelope's durable record and is safe to call more than once.
func (r *Receiver) confirmer(id string) func() error {
	return func() error {
		return r.store.Remove(id)
	}
}

// onTransportClose reacts to the transport dropping. An intentional Close
// reports a nil error and ends the session; anything else triggers a
// registration probe and a reconnect loop.
func (r *Receiver) onTransportClose(err error) {
	if err == nil || r.isClosed() {
		return
	}
	r.log.WithError(err).Warn("transport connection lost")
	go r.reconnect()
}

func (r *Receiver) reconnect() {
	for !r.isClosed() {
		ids, err := r.transport.RegisteredDevices()
		if err != nil {
			r.emitError(fmt.Errorf("receiver: registration probe: %w", err), nil)
			time.Sleep(reconnectDelay)
			continue
		}
		registered := false
		for _, id := range ids {
			if id == r.deviceID {
				registered = true
				break
			}
		}
		if !registered {
			r.emitError(fmt.Errorf("receiver: device %d is no longer registered", r.deviceID), nil)
			return
		}

		if err := r.transport.Connect(r.handleRequest, r.onTransportClose); err != nil {
			r.log.WithError(err).Warn("reconnect failed, retrying")
			time.Sleep(reconnectDelay)
			continue
		}
		r.log.Info("transport reconnected")
		if err := r.queueAllUnprocessed(); err != nil {
			r.log.WithError(err).Error("reload after reconnect failed")
		}
		return
	}
}
