package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	connected bool
	err       error
	msgs      []*nats.Msg
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func TestEvents_FileStored(t *testing.T) {
	pub := &fakePublisher{connected: true}
	e := newEvents(pub)
	e.newID = func() string { return "msg-1" }

	stored := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := StoredFile{Name: "id_report.pdf", OriginalName: "report.pdf", DetectedType: "application/pdf", CreatedAt: stored}
	m := Manifest{FileSize: 42, FileName: "id_report.pdf", URL: "http://h/id_report.pdf", Until: stored.Add(7 * 24 * time.Hour)}

	require.NoError(t, e.FileStored(context.Background(), f, m))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, SubjectUploaded, msg.Subject)
	assert.Equal(t, "msg-1", msg.Header.Get(nats.MsgIdHdr))

	var ev UploadedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "id_report.pdf", ev.Name)
	assert.Equal(t, int64(42), ev.Size)
	assert.Equal(t, "2026-03-08T10:00:00Z", ev.Until)
}

func TestEvents_FileExpired(t *testing.T) {
	pub := &fakePublisher{connected: true}
	e := newEvents(pub)

	deleted := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.FileExpired(context.Background(), "old.txt", deleted))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, SubjectExpired, pub.msgs[0].Subject)
	assert.NotEmpty(t, pub.msgs[0].Header.Get(nats.MsgIdHdr))

	var ev ExpiredEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &ev))
	assert.Equal(t, "old.txt", ev.Name)
	assert.True(t, ev.DeletedAt.Equal(deleted))
}

func TestEvents_Disconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	e := newEvents(pub)

	err := e.FileExpired(context.Background(), "x", time.Now())
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.Empty(t, pub.msgs)
	assert.Equal(t, ComponentStatusDegraded, e.CheckHealth(context.Background()).Status)
}

func TestEvents_PublishError(t *testing.T) {
	boom := errors.New("slow consumer")
	e := newEvents(&fakePublisher{connected: true, err: boom})

	err := e.FileExpired(context.Background(), "x", time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestEvents_CloseWithoutConnection(t *testing.T) {
	assert.NoError(t, newEvents(&fakePublisher{}).Close())
}
