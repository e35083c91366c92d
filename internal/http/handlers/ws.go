package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"comicgen/internal/broadcast"
	"comicgen/internal/domain"
)

// wsConn adapts a websocket connection to broadcast.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Send(ctx context.Context, job *domain.Job) error {
	return wsjson.Write(ctx, w.c, job)
}

func (w wsConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}

// Updates upgrades to a websocket and streams job snapshots. With job_id set
// only that job is streamed, starting with its current state; otherwise every
// job visible to the caller is.
func (a *App) Updates(w http.ResponseWriter, r *http.Request) {
	filter := broadcast.Filter{
		JobID:   r.URL.Query().Get("job_id"),
		OwnerID: a.currentUserID(r),
	}
	if filter.JobID != "" {
		// Reject unknown jobs before the upgrade so clients get a plain 404.
		if _, err := a.Comics.ViewJob(r.Context(), filter.JobID, filter.OwnerID); err != nil {
			a.fail(w, r, err)
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.WSOriginPatterns})
	if err != nil {
		a.Logger.Debug().Err(err).Msg("websocket handshake failed")
		return
	}
	sub, err := a.Comics.Subscribe(r.Context(), wsConn{c: c}, filter)
	if err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer a.Comics.Unsubscribe(sub.ID())

	// Subscribers only listen. CloseRead fails the context on any inbound
	// frame or disconnect.
	ctx := c.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
}
