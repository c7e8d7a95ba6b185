// Command quietwired runs the message receive daemon: it connects to the
// message server, persists and decrypts incoming envelopes and logs the
// resulting events.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quietwire/quietwire/attachment"
	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/receiver"
	"github.com/quietwire/quietwire/session"
	"github.com/quietwire/quietwire/store"
	"github.com/quietwire/quietwire/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "quietwired",
		Short: "Receive-side daemon for the quietwire messaging engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Log.Level, err)
	}
	logger := logrus.StandardLogger()
	logger.SetLevel(level)
	log := logger.WithField("component", "quietwired")

	signalingKey, err := cfg.DecodeSignalingKey()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := loadOrCreateEngine(cfg.Storage.Path)
	if err != nil {
		return err
	}
	log.WithField("identity", hex.EncodeToString(engine.PublicKey())).Info("identity loaded")

	ws := transport.NewWebSocketTransport(transport.WebSocketConfig{
		URL:               cfg.Server.URL,
		DirectoryURL:      cfg.Server.DirectoryURL,
		KeepaliveInterval: time.Duration(cfg.Server.KeepaliveInterval),
	})

	rcfg := receiver.Config{
		Number:       cfg.Account.Number,
		DeviceID:     cfg.Account.DeviceID,
		SignalingKey: signalingKey,
		Cipher:       engine,
		Store:        st,
		Groups:       st,
		Transport:    ws,
		Logger:       logger,
	}
	if cfg.Server.AttachmentsURL != "" {
		rcfg.Attachments = attachment.NewResolver(attachment.NewHTTPFetcher(cfg.Server.AttachmentsURL))
	}

	recv, err := receiver.New(rcfg)
	if err != nil {
		return err
	}

	registerLoggingCallbacks(recv, log)

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithField("listen", cfg.Metrics.Listen).Info("metrics endpoint up")
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	if err := recv.Connect(); err != nil {
		return err
	}
	log.WithField("server", cfg.Server.URL).Info("connected")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	return recv.Close()
}

// registerLoggingCallbacks wires every event to a log line and immediate
// confirmation. A real client would hand events to its data layer instead.
func registerLoggingCallbacks(recv *receiver.Receiver, log *logrus.Entry) {
	recv.OnMessage(func(ev receiver.MessageEvent) {
		log.WithFields(logrus.Fields{
			"source":    ev.Source,
			"timestamp": ev.Timestamp,
			"chars":     len(ev.Message.Body),
		}).Info("message received")
		if err := ev.Confirm(); err != nil {
			log.WithError(err).Warn("confirm failed")
		}
	})
	recv.OnSent(func(ev receiver.SentEvent) {
		log.WithField("destination", ev.Destination).Info("sent transcript received")
		_ = ev.Confirm()
	})
	recv.OnReceipt(func(ev receiver.ReceiptEvent) {
		log.WithFields(logrus.Fields{
			"source":    ev.Source,
			"timestamp": ev.Timestamp,
		}).Info("delivery receipt")
		_ = ev.Confirm()
	})
	recv.OnRead(func(ev receiver.ReadEvent) {
		log.WithField("sender", ev.Sender).Info("read receipt")
		_ = ev.Confirm()
	})
	recv.OnVerified(func(ev receiver.VerifiedEvent) {
		log.WithField("destination", ev.Destination).Info("verification change")
		_ = ev.Confirm()
	})
	recv.OnContactSync(func(ev receiver.ContactSyncEvent) {
		log.Info("contact sync complete")
		_ = ev.Confirm()
	})
	recv.OnGroupSync(func(ev receiver.GroupSyncEvent) {
		log.Info("group sync complete")
		_ = ev.Confirm()
	})
	recv.OnError(func(ev receiver.ErrorEvent) {
		log.WithError(ev.Err).Warn("receive error")
	})
}

// loadOrCreateEngine reads the static identity key stored beside the
// database, generating one on first run.
func loadOrCreateEngine(storagePath string) (*session.NoiseEngine, error) {
	keyPath := filepath.Join(filepath.Dir(storagePath), "identity.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode identity key %s: %w", keyPath, err)
		}
		return session.NewNoiseEngine(priv)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key %s: %w", keyPath, err)
	}

	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key %s: %w", keyPath, err)
	}
	return session.NewNoiseEngine(priv)
}
