package core

import (
	"fmt"

	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/portal"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCatalogReady
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCatalogReady:
		return "catalog_ready"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is delivered to the presentation side. Only the fields for Kind are set.
type Event struct {
	Kind     EventKind
	JobID    string
	Identity portal.Identity
	Message  string           // EventProgress
	Catalog  *catalog.Catalog // EventCatalogReady
	Source   string           // EventCatalogReady: "cache" or "network"
	Err      error            // EventError, a *portalerr.Error when classified
}

// progress is best effort: a lagging consumer loses progress lines, never results.
func (c *Core) progress(jobID string, id portal.Identity, format string, args ...any) {
	ev := Event{Kind: EventProgress, JobID: jobID, Identity: id, Message: fmt.Sprintf(format, args...)}
	c.logf("%s: %s", id, ev.Message)
	select {
	case c.events <- ev:
	default:
	}
}

// deliver blocks until the consumer takes ev or the core shuts down.
func (c *Core) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
