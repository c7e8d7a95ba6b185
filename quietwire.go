// Package quietwire assembles the receive-side engine of an end-to-end
// encrypted messaging client: durable envelope ingestion, session
// decryption, content routing and sync batch processing.
//
// Most applications only need New and the event callbacks on the embedded
// receiver:
//
//	client, err := quietwire.New(quietwire.Options{
//		Number:       "+14155550100",
//		DeviceID:     1,
//		SignalingKey: key,
//		ServerURL:    "wss://chat.example.org/v1/websocket",
//		StoragePath:  "quietwire.db",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.OnMessage(func(ev receiver.MessageEvent) {
//		fmt.Println(ev.Message.Body)
//		ev.Confirm()
//	})
//	if err := client.Connect(); err != nil {
//		log.Fatal(err)
//	}
package quietwire

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/attachment"
	"github.com/quietwire/quietwire/receiver"
	"github.com/quietwire/quietwire/session"
	"github.com/quietwire/quietwire/store"
	"github.com/quietwire/quietwire/transport"
)

// Options configures a Client. Number, SignalingKey, ServerURL and
// StoragePath are required.
type Options struct {
	Number   string
	DeviceID uint32

	SignalingKey [transport.SignalingKeySize]byte

	ServerURL      string
	DirectoryURL   string
	AttachmentsURL string

	StoragePath string

	// IdentityKey is the 32-byte static private key. A fresh key is
	// generated when empty; the caller is then responsible for persisting
	// it via Engine().
	IdentityKey []byte

	Logger *logrus.Logger
}

// Client bundles the engine's subsystems behind one lifecycle.
type Client struct {
	*receiver.Receiver

	engine *session.NoiseEngine
	store  *store.Store
}

// New opens the store, builds the session engine and wires the receiver to
// a websocket transport. The client is inert until Connect is called.
func New(opts Options) (*Client, error) {
	if opts.StoragePath == "" {
		return nil, fmt.Errorf("quietwire: storage path is required")
	}
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("quietwire: server url is required")
	}

	st, err := store.Open(opts.StoragePath)
	if err != nil {
		return nil, err
	}

	var engine *session.NoiseEngine
	if opts.IdentityKey != nil {
		engine, err = session.NewNoiseEngine(opts.IdentityKey)
	} else {
		engine, err = session.GenerateNoiseEngine()
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	ws := transport.NewWebSocketTransport(transport.WebSocketConfig{
		URL:          opts.ServerURL,
		DirectoryURL: opts.DirectoryURL,
	})

	cfg := receiver.Config{
		Number:       opts.Number,
		DeviceID:     opts.DeviceID,
		SignalingKey: opts.SignalingKey,
		Cipher:       engine,
		Store:        st,
		Groups:       st,
		Transport:    ws,
		Logger:       opts.Logger,
	}
	if opts.AttachmentsURL != "" {
		cfg.Attachments = attachment.NewResolver(attachment.NewHTTPFetcher(opts.AttachmentsURL))
	}

	recv, err := receiver.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Client{Receiver: recv, engine: engine, store: st}, nil
}

// Engine exposes the session engine, for identity key persistence and
// conflict resolution.
func (c *Client) Engine() *session.NoiseEngine {
	return c.engine
}

// Close shuts down the receiver and releases the store.
func (c *Client) Close() error {
	err := c.Receiver.Close()
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	return err
}
