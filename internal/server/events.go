package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects the event publisher writes to.
const (
	SubjectUploaded = "files.uploaded"
	SubjectExpired  = "files.expired"
)

// UploadedEvent is published on SubjectUploaded.
type UploadedEvent struct {
	Name         string    `json:"name"`
	OriginalName string    `json:"original_name,omitempty"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	URL          string    `json:"url"`
	Until        string    `json:"until"`
	StoredAt     time.Time `json:"stored_at"`
}

// ExpiredEvent is published on SubjectExpired.
type ExpiredEvent struct {
	Name      string    `json:"name"`
	DeletedAt time.Time `json:"deleted_at"`
}

// msgPublisher is the part of *nats.Conn the publisher uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
	IsConnected() bool
}

// Events publishes upload lifecycle events to NATS. Each message carries a
// Nats-Msg-Id header so a JetStream stream bound to files.* deduplicates
// redeliveries.
type Events struct {
	conn  msgPublisher
	nc    *nats.Conn
	newID func() string
}

// ConnectEvents dials url and keeps reconnecting for the life of the process.
func ConnectEvents(url string, log *Logger) (*Events, error) {
	log = log.With("events")

	opts := []nats.Option{
		nats.Name("rcs-ft-upload"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats_disconnected", nil, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats_closed", nil)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("nats_connected", map[string]any{"url": nc.ConnectedUrl()})

	e := newEvents(nc)
	e.nc = nc
	return e, nil
}

func newEvents(conn msgPublisher) *Events {
	return &Events{
		conn:  conn,
		newID: func() string { return uuid.New().String() },
	}
}

// Name implements StoreHook, SweepHook and HealthChecker.
func (e *Events) Name() string { return "events" }

// FileStored publishes files.uploaded.
func (e *Events) FileStored(_ context.Context, f StoredFile, m Manifest) error {
	return e.publish(SubjectUploaded, UploadedEvent{
		Name:         f.Name,
		OriginalName: f.OriginalName,
		Size:         m.FileSize,
		ContentType:  f.DetectedType,
		URL:          m.URL,
		Until:        m.UntilString(),
		StoredAt:     f.CreatedAt.UTC(),
	})
}

// FileExpired publishes files.expired.
func (e *Events) FileExpired(_ context.Context, name string, deletedAt time.Time) error {
	return e.publish(SubjectExpired, ExpiredEvent{Name: name, DeletedAt: deletedAt.UTC()})
}

func (e *Events) publish(subject string, payload any) error {
	if !e.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.newID())
	msg.Header.Set("Content-Type", "application/json")

	if err := e.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// CheckHealth reports the connection state.
func (e *Events) CheckHealth(context.Context) ComponentHealth {
	if e.conn.IsConnected() {
		return ComponentHealth{Status: ComponentStatusUp, Message: "connected"}
	}
	// Publishing is best effort; a reconnecting bus does not take uploads down.
	return ComponentHealth{Status: ComponentStatusDegraded, Message: "not connected"}
}

// Close flushes pending messages and closes the connection.
func (e *Events) Close() error {
	if e.nc == nil {
		return nil
	}
	return e.nc.Drain()
}
