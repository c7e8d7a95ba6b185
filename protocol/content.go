package protocol

import "fmt"

// DataMessage flag bits. Flags take precedence over body, attachments and
// group content; at most one action applies per message.
const (
	FlagEndSession            uint32 = 1
	FlagExpirationTimerUpdate uint32 = 2
)

// GroupType describes what a group context does to local group state.
type GroupType uint8

const (
	GroupTypeUnknown GroupType = iota
	GroupTypeUpdate
	GroupTypeDeliver
	GroupTypeQuit
)

// String returns the group type name for logging.
func (t GroupType) String() string {
	switch t {
	case GroupTypeUpdate:
		return "UPDATE"
	case GroupTypeDeliver:
		return "DELIVER"
	case GroupTypeQuit:
		return "QUIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// AttachmentPointer references an encrypted binary blob stored off-channel.
// Data is never serialized; it is populated locally after fetch and decrypt.
type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Digest      []byte
	Size        uint32
	FileName    string

	Data []byte
}

func (p *AttachmentPointer) marshal(w *wireWriter) {
	w.u64(p.ID)
	w.string(p.ContentType)
	w.bytes(p.Key)
	w.optBytes(p.Digest)
	w.u32(p.Size)
	w.string(p.FileName)
}

func parseAttachmentPointer(r *wireReader) *AttachmentPointer {
	return &AttachmentPointer{
		ID:          r.u64(),
		ContentType: r.string(),
		Key:         r.bytes(),
		Digest:      r.optBytes(),
		Size:        r.u32(),
		FileName:    r.string(),
	}
}

// GroupContext describes group addressing or a group state transition.
type GroupContext struct {
	ID      []byte
	Type    GroupType
	Name    string
	Members []string
	Avatar  *AttachmentPointer
}

func (g *GroupContext) marshal(w *wireWriter) {
	w.bytes(g.ID)
	w.u8(byte(g.Type))
	w.string(g.Name)
	if len(g.Members) > 0xffff {
		w.err = ErrFieldTooLong
		return
	}
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
}

func parseGroupContext(r *wireReader) *GroupContext {
	g := &GroupContext{
		ID:   r.bytes(),
		Type: GroupType(r.u8()),
		Name: r.string(),
	}
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		g.Members = append(g.Members, r.string())
	}
	if r.u8() != 0 {
		g.Avatar = parseAttachmentPointer(r)
	}
	return g
}

// DataMessage is the application payload of an ordinary message.
type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Group       *GroupContext
	Flags       uint32
	ExpireTimer uint32
}

// Marshal serializes the data message to its wire form.
func (m *DataMessage) Marshal() ([]byte, error) {
	w := &wireWriter{}
	m.marshal(w)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (m *DataMessage) marshal(w *wireWriter) {
	w.string(m.Body)
	w.u32(uint32(len(m.Attachments)))
	for _, a := range m.Attachments {
		a.marshal(w)
	}
	if m.Group == nil {
		w.u8(0)
	} else {
		w.u8(1)
		m.Group.marshal(w)
	}
	w.u32(m.Flags)
	w.u32(m.ExpireTimer)
}

// ParseDataMessage decodes a bare data message, as carried by the legacy
// envelope field.
func ParseDataMessage(data []byte) (*DataMessage, error) {
	r := newWireReader(data)
	m := parseDataMessage(r)
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse data message: %w", err)
	}
	return m, nil
}

func parseDataMessage(r *wireReader) *DataMessage {
	m := &DataMessage{Body: r.string()}
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Attachments = append(m.Attachments, parseAttachmentPointer(r))
	}
	if r.u8() != 0 {
		m.Group = parseGroupContext(r)
	}
	m.Flags = r.u32()
	m.ExpireTimer = r.u32()
	return m
}

// Content union tags.
const (
	contentTagNone uint8 = iota
	contentTagData
	contentTagSync
	contentTagNull
)

// NullMessage is a keepalive carrying meaningless padding.
type NullMessage struct {
	Padding []byte
}

// Content is the wrapper decoded from an envelope's content field. At most
// one variant is set; the router treats an empty Content as unsupported.
type Content struct {
	DataMessage *DataMessage
	SyncMessage *SyncMessage
	NullMessage *NullMessage
}

// Marshal serializes the content wrapper to its wire form.
func (c *Content) Marshal() ([]byte, error) {
	w := &wireWriter{}
	switch {
	case c.DataMessage != nil:
		w.u8(contentTagData)
		c.DataMessage.marshal(w)
	case c.SyncMessage != nil:
		w.u8(contentTagSync)
		c.SyncMessage.marshal(w)
	case c.NullMessage != nil:
		w.u8(contentTagNull)
		w.bytes(c.NullMessage.Padding)
	default:
		w.u8(contentTagNone)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// ParseContent decodes a content wrapper. An unrecognized tag yields an empty
// Content rather than an error so the caller decides how to treat it.
func ParseContent(data []byte) (*Content, error) {
	r := newWireReader(data)
	c := &Content{}
	switch r.u8() {
	case contentTagData:
		c.DataMessage = parseDataMessage(r)
	case contentTagSync:
		c.SyncMessage = parseSyncMessage(r)
	case contentTagNull:
		c.NullMessage = &NullMessage{Padding: r.bytes()}
	}
	if err := r.fin(); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	return c, nil
}
