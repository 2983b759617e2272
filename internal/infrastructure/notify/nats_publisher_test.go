package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"roomcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []published
	err      error
	flushed  int
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject: subject, data: data})
	return nil
}

func (c *fakeConn) FlushWithContext(ctx context.Context) error {
	c.flushed++
	return nil
}

func TestNATSPublisher_SubjectPerKind(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", zaptest.NewLogger(t).Sugar())

	at := time.UnixMilli(1_700_000_000_000).UTC()
	ctx := context.Background()
	require.NoError(t, p.PublishDisconnect(ctx, domain.PresenceNotification{PrincipalID: "u1", Kind: domain.KindUser, At: at}))
	require.NoError(t, p.PublishDisconnect(ctx, domain.PresenceNotification{PrincipalID: "p1", Kind: domain.KindPerformer, At: at}))
	require.NoError(t, p.Flush(ctx))

	require.Len(t, conn.messages, 2)
	assert.Equal(t, "roomcast.presence.disconnect.user", conn.messages[0].subject)
	assert.Equal(t, "roomcast.presence.disconnect.performer", conn.messages[1].subject)
	assert.Equal(t, 1, conn.flushed)

	var got domain.PresenceNotification
	require.NoError(t, json.Unmarshal(conn.messages[1].data, &got))
	assert.Equal(t, domain.PrincipalID("p1"), got.PrincipalID)
	assert.Equal(t, domain.KindPerformer, got.Kind)
	assert.True(t, at.Equal(got.At))
}

func TestNATSPublisher_CustomPrefix(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "staging.presence", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "staging.presence.disconnect.user", p.Subject(domain.KindUser))
}

func TestNATSPublisher_PublishError(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNATSPublisher(conn, "", zaptest.NewLogger(t).Sugar())

	err := p.PublishDisconnect(context.Background(), domain.PresenceNotification{PrincipalID: "u1", Kind: domain.KindUser})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roomcast.presence.disconnect.user")
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewLogPublisher(zap.New(core).Sugar())

	require.NoError(t, p.PublishDisconnect(context.Background(), domain.PresenceNotification{PrincipalID: "u1", Kind: domain.KindUser}))

	entries := logs.FilterMessage("principal offline").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, "u1", entries[0].ContextMap()["principal_id"])
}
