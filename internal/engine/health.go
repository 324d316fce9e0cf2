package engine

import (
	"context"

	"github.com/fyrsmithlabs/consensusd/internal/parallel"
	"github.com/fyrsmithlabs/consensusd/internal/pool"
	"github.com/fyrsmithlabs/consensusd/internal/telemetry"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Health is a point-in-time report of every component.
type Health struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Profiles  []string               `json:"profiles"`
	History   string                 `json:"history"`
	Knowledge int                    `json:"knowledge_documents"`
	Events    *EventsHealth          `json:"events,omitempty"`
	Telemetry telemetry.HealthStatus `json:"telemetry"`
	Pools     pool.SetStats          `json:"pools"`
	Parallel  parallel.Stats         `json:"parallel"`
	Failures  []string               `json:"failures,omitempty"`
}

// EventsHealth reports the NATS connection and publish counters.
type EventsHealth struct {
	Connected bool  `json:"connected"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Health reports the state of every component. The daemon is degraded when
// history is unreachable, the event connection is down, or telemetry failed
// to start.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:    StatusOK,
		Version:   e.version,
		Profiles:  e.Profiles.Names(),
		History:   StatusOK,
		Knowledge: e.Knowledge.Count(),
		Telemetry: e.Telemetry.Health(),
		Pools:     e.Pools.Stats(),
		Parallel:  e.Parallel.Stats(),
	}

	if _, err := e.History.GetStatistics(ctx); err != nil {
		h.History = StatusDegraded
		h.Failures = append(h.Failures, "history: "+err.Error())
	}
	if e.Events != nil {
		published, failed := e.Events.Stats()
		h.Events = &EventsHealth{Connected: e.nc.IsConnected(), Published: published, Failed: failed}
		if !h.Events.Connected {
			h.Failures = append(h.Failures, "events: not connected")
		}
	}
	h.Failures = append(h.Failures, h.Telemetry.Failures...)

	if len(h.Failures) > 0 {
		h.Status = StatusDegraded
	}
	return h
}
