package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ContactDetails is one record of a batched contact sync blob.
type ContactDetails struct {
	Number      string
	Name        string
	ProfileKey  []byte
	Verified    *Verified
	Blocked     bool
	ExpireTimer uint32
}

// Marshal serializes the contact record to its wire form.
func (c *ContactDetails) Marshal() ([]byte, error) {
	w := &wireWriter{}
	w.string(c.Number)
	w.string(c.Name)
	w.optBytes(c.ProfileKey)
	if c.Verified == nil {
		w.u8(0)
	} else {
		w.u8(1)
		c.Verified.marshal(w)
	}
	w.bool(c.Blocked)
	w.u32(c.ExpireTimer)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func parseContactDetails(data []byte) (*ContactDetails, error) {
	r := newWireReader(data)
	c := &ContactDetails{
		Number:     r.string(),
		Name:       r.string(),
		ProfileKey: r.optBytes(),
	}
	if r.u8() != 0 {
		c.Verified = parseVerified(r)
	}
	c.Blocked = r.bool()
	c.ExpireTimer = r.u32()
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse contact record: %w", err)
	}
	return c, nil
}

// GroupDetails is one record of a batched group sync blob.
type GroupDetails struct {
	ID          []byte
	Name        string
	Members     []string
	Avatar      *AttachmentPointer
	Active      bool
	Blocked     bool
	ExpireTimer uint32
}

// Marshal serializes the group record to its wire form.
func (g *GroupDetails) Marshal() ([]byte, error) {
	w := &wireWriter{}
	w.bytes(g.ID)
	w.string(g.Name)
	w.u32(uint32(len(g.Members)))
	for _, m := range g.Members {
		w.string(m)
	}
	if g.Avatar == nil {
		w.u8(0)
	} else {
		w.u8(1)
		g.Avatar.marshal(w)
	}
	w.bool(g.Active)
	w.bool(g.Blocked)
	w.u32(g.ExpireTimer)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func parseGroupDetails(data []byte) (*GroupDetails, error) {
	r := newWireReader(data)
	g := &GroupDetails{
		ID:   r.bytes(),
		Name: r.string(),
	}
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		g.Members = append(g.Members, r.string())
	}
	if r.u8() != 0 {
		g.Avatar = parseAttachmentPointer(r)
	}
	g.Active = r.bool()
	g.Blocked = r.bool()
	g.ExpireTimer = r.u32()
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse group record: %w", err)
	}
	return g, nil
}

// AppendFrame appends one length-prefixed record to a sync blob under
// construction. Used by the sending side and by tests.
func AppendFrame(dst, record []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(record)))
	return append(dst, record...)
}

// frameStream walks the uint32-length-prefixed records of a sync blob.
type frameStream struct {
	data []byte
	off  int
}

// next returns the next raw record, or io.EOF when the stream is exhausted.
func (f *frameStream) next() ([]byte, error) {
	if f.off == len(f.data) {
		return nil, io.EOF
	}
	if len(f.data)-f.off < 4 {
		return nil, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint32(f.data[f.off:]))
	f.off += 4
	if len(f.data)-f.off < n {
		return nil, ErrShortBuffer
	}
	rec := f.data[f.off : f.off+n]
	f.off += n
	return rec, nil
}

// ContactReader iterates the contact records of a decrypted contact sync
// blob.
type ContactReader struct {
	frames frameStream
}

// NewContactReader wraps a decrypted contact sync blob.
func NewContactReader(data []byte) *ContactReader {
	return &ContactReader{frames: frameStream{data: data}}
}

// Next returns the next contact record, or io.EOF at the end of the blob.
func (cr *ContactReader) Next() (*ContactDetails, error) {
	rec, err := cr.frames.next()
	if err != nil {
		return nil, err
	}
	return parseContactDetails(rec)
}

// GroupReader iterates the group records of a decrypted group sync blob.
type GroupReader struct {
	frames frameStream
}

// NewGroupReader wraps a decrypted group sync blob.
func NewGroupReader(data []byte) *GroupReader {
	return &GroupReader{frames: frameStream{data: data}}
}

// Next returns the next group record, or io.EOF at the end of the blob.
func (gr *GroupReader) Next() (*GroupDetails, error) {
	rec, err := gr.frames.next()
	if err != nil {
		return nil, err
	}
	return parseGroupDetails(rec)
}
