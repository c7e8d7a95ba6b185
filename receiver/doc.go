// Package receiver implements the inbound message pipeline: it accepts
// encrypted envelopes from a transport, persists them before
// acknowledgement, decrypts them through a session cipher, and routes the
// decrypted content to registered event callbacks.
//
// Envelopes are processed one at a time in arrival order. Every event
// delivered to a callback carries a Confirm function; invoking it removes
// the envelope's durable record, so an envelope that was never confirmed
// is redelivered on the next connect.
package receiver
