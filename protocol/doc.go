// Package protocol defines the wire structures exchanged by quietwire peers:
// the outer authenticated Envelope, the Content union carried inside it, the
// DataMessage and SyncMessage sub-protocols, attachment pointers, and the
// length-prefixed record streams used by batched contact and group sync.
//
// All structures serialize to an explicit big-endian binary format. Unions are
// encoded as a one-byte tag followed by the variant body; an unknown tag
// parses to an empty union so the caller can apply its own validation rules.
//
// Example:
//
//	env, err := protocol.ParseEnvelope(raw)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	plaintext, err := protocol.Unpad(decrypted)
package protocol
