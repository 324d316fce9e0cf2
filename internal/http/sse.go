package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/pool"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SSE event names.
const (
	EventState      = "state"
	EventStageStart = "stage_start"
	EventChunk      = "chunk"
	EventStage      = "stage_complete"
	EventStageError = "stage_error"
	EventCancelled  = "cancelled"
	EventResult     = "result"
	EventError      = "error"
)

type stateEvent struct {
	RunID string             `json:"run_id"`
	From  consensus.RunState `json:"from"`
	To    consensus.RunState `json:"to"`
}

type stageStartEvent struct {
	RunID string          `json:"run_id"`
	Stage consensus.Stage `json:"stage"`
	Model string          `json:"model"`
}

type chunkEvent struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type stageCompleteEvent struct {
	RunID  string                `json:"run_id"`
	Result consensus.StageResult `json:"result"`
}

type stageErrorEvent struct {
	RunID string          `json:"run_id"`
	Stage consensus.Stage `json:"stage"`
	Error string          `json:"error"`
}

type cancelledEvent struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// eventWriter serialises server-sent events onto one response.
type eventWriter struct {
	mu     sync.Mutex
	w      *echo.Response
	pools  *pool.Set
	logger *zap.Logger
	err    error
}

// send writes one event. After the first write error every send is a no-op.
func (w *eventWriter) send(event string, v any) {
	h := w.pools.Buffers.Acquire()
	defer h.Release()
	buf := h.Value()
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.logger.Warn("encoding event failed", zap.String("event", event), zap.Error(err))
		return
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if _, err := w.w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		w.err = err
		return
	}
	if _, err := w.w.Write(data); err != nil {
		w.err = err
		return
	}
	if _, err := w.w.Write([]byte("\n\n")); err != nil {
		w.err = err
		return
	}
	w.w.Flush()
}

func (w *eventWriter) heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if _, err := w.w.Write([]byte(": heartbeat\n\n")); err != nil {
		w.err = err
		return
	}
	w.w.Flush()
}

// chunk sends a streamed model chunk through a pooled token.
func (w *eventWriter) chunk(runID string, stage consensus.Stage, index int, text string) {
	h := w.pools.Tokens.Acquire()
	defer h.Release()
	t := h.Value()
	t.Stage = string(stage)
	t.Index = index
	t.Text = text
	w.send(EventChunk, chunkEvent{RunID: runID, Stage: t.Stage, Index: t.Index, Text: t.Text})
}

func (w *eventWriter) callbacks() consensus.Callbacks {
	return consensus.Callbacks{
		OnStateChange: func(id string, from, to consensus.RunState) {
			w.send(EventState, stateEvent{RunID: id, From: from, To: to})
		},
		OnStageStart: func(id string, stage consensus.Stage, model string) {
			w.send(EventStageStart, stageStartEvent{RunID: id, Stage: stage, Model: model})
		},
		OnStageChunk: w.chunk,
		OnStageComplete: func(id string, _ consensus.Stage, r consensus.StageResult) {
			w.send(EventStage, stageCompleteEvent{RunID: id, Result: r})
		},
		OnError: func(id string, stage consensus.Stage, err error) {
			w.send(EventStageError, stageErrorEvent{RunID: id, Stage: stage, Error: err.Error()})
		},
		OnCancelled: func(id string, reason cancel.Reason) {
			w.send(EventCancelled, cancelledEvent{RunID: id, Reason: reason.String()})
		},
	}
}

// streamConsensus runs req, streaming progress as server-sent events. The
// final event is "result" with the run, or "error" when no run started.
func (s *Server) streamConsensus(c echo.Context, req consensus.Request, token *cancel.Token) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	w := &eventWriter{w: resp, pools: s.pools, logger: s.logger}
	req.Callbacks = w.callbacks()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.heartbeat()
			}
		}
	}()

	res, err := s.backend.Ask(c.Request().Context(), req, token)
	close(done)
	wg.Wait()

	switch {
	case res != nil:
		out := ConsensusResponse{Result: res}
		if err != nil {
			out.Error = err.Error()
		}
		w.send(EventResult, out)
	case err != nil:
		w.send(EventError, ErrorResponse{Error: err.Error()})
	}
	return nil
}
