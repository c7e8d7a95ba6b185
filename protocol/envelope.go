package protocol

import "fmt"

// EnvelopeType identifies the cipher path for an envelope's payload.
type EnvelopeType uint8

const (
	// EnvelopeUnknown is never produced by a conforming sender.
	EnvelopeUnknown EnvelopeType = iota
	// EnvelopePreKeyBundle is the first message of a new session; decrypting
	// it may establish the session as a side effect.
	EnvelopePreKeyBundle
	// EnvelopeCiphertext is an ordinary message against an existing session.
	EnvelopeCiphertext
	// EnvelopeReceipt is a server delivery receipt carrying no payload.
	EnvelopeReceipt
)

// String returns the type name for logging.
func (t EnvelopeType) String() string {
	switch t {
	case EnvelopePreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeReceipt:
		return "RECEIPT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Envelope is the outer authenticated wrapper around an encrypted payload.
// Exactly one of Content or LegacyMessage is set, or neither for a delivery
// receipt. (Source, SourceDevice, Timestamp) is the envelope's natural key.
type Envelope struct {
	Type         EnvelopeType
	Source       string
	SourceDevice uint32
	Timestamp    uint64

	// Content carries the "Content" protocol ciphertext.
	Content []byte
	// LegacyMessage carries the older bare "DataMessage" ciphertext.
	LegacyMessage []byte
}

// ID returns the natural key used to track the envelope across the durable
// store and the processing pipeline.
func (e *Envelope) ID() string {
	return fmt.Sprintf("%s.%d %d", e.Source, e.SourceDevice, e.Timestamp)
}

// Marshal serializes the envelope to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	w := &wireWriter{}
	w.u8(byte(e.Type))
	w.string(e.Source)
	w.u32(e.SourceDevice)
	w.u64(e.Timestamp)
	w.optBytes(e.Content)
	w.optBytes(e.LegacyMessage)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// ParseEnvelope decodes an envelope from its wire form.
func ParseEnvelope(data []byte) (*Envelope, error) {
	r := newWireReader(data)
	e := &Envelope{
		Type:         EnvelopeType(r.u8()),
		Source:       r.string(),
		SourceDevice: r.u32(),
		Timestamp:    r.u64(),
	}
	e.Content = r.optBytes()
	e.LegacyMessage = r.optBytes()
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return e, nil
}
