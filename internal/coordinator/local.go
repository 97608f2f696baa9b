package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// LocalLink connects an in-process client, such as an SSH terminal session,
// straight to the coordinator without a network codec in between.
type LocalLink struct {
	coord  *Coordinator
	conn   *ChannelConnection
	ctx    context.Context
	cancel context.CancelFunc
}

// Attach opens a local connection for identity.
func (c *Coordinator) Attach(identity race.Identity, bufferSize int) *LocalLink {
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewChannelConnection(race.ConnID(uuid.NewString()), identity, bufferSize)
	c.Connect(conn)
	return &LocalLink{coord: c, conn: conn, ctx: ctx, cancel: cancel}
}

// Identity returns who the link speaks for.
func (l *LocalLink) Identity() race.Identity {
	return l.conn.Identity()
}

// Send submits a command on behalf of the link's user.
func (l *LocalLink) Send(cmd race.Command) {
	l.coord.Submit(l.ctx, l.conn, cmd)
}

// Events returns the stream of events for this link.
func (l *LocalLink) Events() <-chan race.Event {
	return l.conn.Events()
}

// Done closes when the coordinator drops or supersedes the link.
func (l *LocalLink) Done() <-chan struct{} {
	return l.conn.Done()
}

// Close disconnects the link.
func (l *LocalLink) Close() {
	l.cancel()
	l.conn.Close()
	l.coord.Disconnect(l.conn)
}
