package protocol

import "fmt"

// VerifiedState is the verification status asserted for a contact's
// identity key.
type VerifiedState uint8

const (
	VerifiedDefault VerifiedState = iota
	VerifiedVerified
	VerifiedUnverified
)

// Verified replicates a verification-state decision from another own device.
type Verified struct {
	Destination string
	IdentityKey []byte
	State       VerifiedState
}

func (v *Verified) marshal(w *wireWriter) {
	w.string(v.Destination)
	w.bytes(v.IdentityKey)
	w.u8(byte(v.State))
}

func parseVerified(r *wireReader) *Verified {
	return &Verified{
		Destination: r.string(),
		IdentityKey: r.bytes(),
		State:       VerifiedState(r.u8()),
	}
}

// SentTranscript mirrors a message sent from another own device.
type SentTranscript struct {
	Destination              string
	Timestamp                uint64
	ExpirationStartTimestamp uint64
	Message                  *DataMessage
}

// ReadReceipt marks one conversation message as read on another own device.
type ReadReceipt struct {
	Sender    string
	Timestamp uint64
}

// BlobSync references the encrypted attachment blob holding a batch of
// contact or group records.
type BlobSync struct {
	Blob     *AttachmentPointer
	Complete bool
}

// BlockedSync replaces the local blocklist.
type BlockedSync struct {
	Numbers []string
}

// SyncRequest asks the primary device to send a sync batch; inbound it is a
// no-op for this engine.
type SyncRequest struct {
	Kind uint8
}

// SyncMessage union tags.
const (
	syncTagNone uint8 = iota
	syncTagSent
	syncTagContacts
	syncTagGroups
	syncTagBlocked
	syncTagRequest
	syncTagRead
	syncTagVerified
)

// SyncMessage replicates state between a user's own devices. At most one
// variant is set; the router rejects an empty SyncMessage.
type SyncMessage struct {
	Sent     *SentTranscript
	Contacts *BlobSync
	Groups   *BlobSync
	Blocked  *BlockedSync
	Request  *SyncRequest
	Read     []ReadReceipt
	Verified *Verified
}

// Marshal serializes the sync message to its wire form.
func (s *SyncMessage) Marshal() ([]byte, error) {
	w := &wireWriter{}
	s.marshal(w)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (s *SyncMessage) marshal(w *wireWriter) {
	switch {
	case s.Sent != nil:
		w.u8(syncTagSent)
		w.string(s.Sent.Destination)
		w.u64(s.Sent.Timestamp)
		w.u64(s.Sent.ExpirationStartTimestamp)
		if s.Sent.Message == nil {
			w.u8(0)
		} else {
			w.u8(1)
			s.Sent.Message.marshal(w)
		}
	case s.Contacts != nil:
		w.u8(syncTagContacts)
		marshalBlobSync(w, s.Contacts)
	case s.Groups != nil:
		w.u8(syncTagGroups)
		marshalBlobSync(w, s.Groups)
	case s.Blocked != nil:
		w.u8(syncTagBlocked)
		w.u32(uint32(len(s.Blocked.Numbers)))
		for _, n := range s.Blocked.Numbers {
			w.string(n)
		}
	case s.Request != nil:
		w.u8(syncTagRequest)
		w.u8(s.Request.Kind)
	case s.Read != nil:
		w.u8(syncTagRead)
		w.u32(uint32(len(s.Read)))
		for _, rr := range s.Read {
			w.string(rr.Sender)
			w.u64(rr.Timestamp)
		}
	case s.Verified != nil:
		w.u8(syncTagVerified)
		s.Verified.marshal(w)
	default:
		w.u8(syncTagNone)
	}
}

func marshalBlobSync(w *wireWriter, b *BlobSync) {
	if b.Blob == nil {
		w.u8(0)
	} else {
		w.u8(1)
		b.Blob.marshal(w)
	}
	w.bool(b.Complete)
}

func parseBlobSync(r *wireReader) *BlobSync {
	b := &BlobSync{}
	if r.u8() != 0 {
		b.Blob = parseAttachmentPointer(r)
	}
	b.Complete = r.bool()
	return b
}

// ParseSyncMessage decodes a sync message from its wire form.
func ParseSyncMessage(data []byte) (*SyncMessage, error) {
	r := newWireReader(data)
	s := parseSyncMessage(r)
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse sync message: %w", err)
	}
	return s, nil
}

func parseSyncMessage(r *wireReader) *SyncMessage {
	s := &SyncMessage{}
	switch r.u8() {
	case syncTagSent:
		sent := &SentTranscript{
			Destination:              r.string(),
			Timestamp:                r.u64(),
			ExpirationStartTimestamp: r.u64(),
		}
		if r.u8() != 0 {
			sent.Message = parseDataMessage(r)
		}
		s.Sent = sent
	case syncTagContacts:
		s.Contacts = parseBlobSync(r)
	case syncTagGroups:
		s.Groups = parseBlobSync(r)
	case syncTagBlocked:
		b := &BlockedSync{}
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			b.Numbers = append(b.Numbers, r.string())
		}
		s.Blocked = b
	case syncTagRequest:
		s.Request = &SyncRequest{Kind: r.u8()}
	case syncTagRead:
		n := r.u32()
		s.Read = make([]ReadReceipt, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			s.Read = append(s.Read, ReadReceipt{Sender: r.string(), Timestamp: r.u64()})
		}
	case syncTagVerified:
		s.Verified = parseVerified(r)
	}
	return s
}
