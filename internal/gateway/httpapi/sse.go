package httpapi

import (
	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/okapi"
)

// handleStream handles GET /v1/runs/{id}/stream, sending the run's events as
// server-sent events until the run ends or the client goes away.
func (g *Gateway) handleStream(c *okapi.Context) error {
	id := c.Param("id")
	ctx := c.Context()
	if _, err := g.runs.Status(ctx, id); err != nil {
		return g.runError(c, id, err)
	}

	sub := g.broker.Subscribe(ctx, id)
	defer sub.Close()

	// The run may have ended before the subscription existed.
	rec, err := g.runs.Status(ctx, id)
	if err != nil {
		return g.runError(c, id, err)
	}
	if rec.Status.Terminal() {
		ev := finalEvent(rec)
		c.SSEvent(string(ev.Type), ev)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Type), ev)
			if ev.Terminal() {
				return nil
			}
		}
	}
}

// finalEvent describes a finished run for subscribers that arrive late.
func finalEvent(rec *dispatch.RunRecord) events.Event {
	ev := events.Event{RunID: rec.ID, Time: rec.UpdatedAt}
	switch rec.Status {
	case dispatch.StatusCompleted:
		ev.Type = events.RunCompleted
		if rec.Result != nil {
			ev.Data = rec.Result.Summary
		}
	case dispatch.StatusCancelled:
		ev.Type = events.RunCancelled
	default:
		ev.Type = events.RunFailed
		ev.Data = rec.Error
	}
	return ev
}
