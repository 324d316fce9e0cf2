package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient answers each call with respond(call index, request).
type scriptedClient struct {
	mu      sync.Mutex
	calls   []provider.Request
	respond func(i int, req provider.Request) (*provider.Response, error)
}

func (c *scriptedClient) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	i := len(c.calls)
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.respond(i, req)
}

func (c *scriptedClient) requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Request(nil), c.calls...)
}

// stageText returns a distinct answer per stage.
func stageText(i int) string {
	return fmt.Sprintf("## Answer from %s\n\nYou can follow these steps because they work.", Stages()[i])
}

func echoClient() *scriptedClient {
	return &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		return &provider.Response{Model: req.Model, Text: stageText(i), PromptTokens: 100, CompletionTokens: 50}, nil
	}}
}

func newOrchestrator(t *testing.T, client provider.Client, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(client, NewRegistry(ProfileBalanced, nil), opts...)
	require.NoError(t, err)
	return o
}

// MockDecider is a testify double for Decider.
type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) ShouldAutoExecute(ctx context.Context, op operation.FileOperation, octx operation.Context, mode operation.Mode) (bool, *operation.Analysis) {
	args := m.Called(ctx, op, octx, mode)
	var a *operation.Analysis
	if v := args.Get(1); v != nil {
		a = v.(*operation.Analysis)
	}
	return args.Bool(0), a
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, NewRegistry("", nil))
	assert.ErrorIs(t, err, ErrNoClient)

	_, err = New(echoClient(), nil)
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestRun_StageOrder(t *testing.T) {
	o := newOrchestrator(t, echoClient())

	res, err := o.Run(context.Background(), Request{Query: "How should I structure a Go service?"}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"generator", "refiner", "validator", "curator"}, res.StageNames())
	assert.True(t, res.Success)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, stageText(3), res.FinalText)
	assert.NotEmpty(t, res.ID)
}

func TestRun_ExplainScenario(t *testing.T) {
	client := echoClient()
	o := newOrchestrator(t, client)

	res, err := o.Run(context.Background(), Request{
		Query:   "Explain this code function",
		Profile: ProfileBalanced,
		Stream:  false,
	}, cancel.New())

	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Stages, 4)
	assert.Equal(t, ProfileBalanced, res.Profile)

	balanced, err := o.Profiles().Get(ProfileBalanced)
	require.NoError(t, err)
	reqs := client.requests()
	require.Len(t, reqs, 4)
	for i, stage := range Stages() {
		assert.Equal(t, balanced.For(stage).Model, reqs[i].Model, stage)
		assert.Equal(t, balanced.For(stage).Temperature, reqs[i].Temperature, stage)
		assert.Nil(t, reqs[i].OnChunk, "non-streaming run must not stream")
		assert.Equal(t, stage, res.Stages[i].Stage)
		assert.Equal(t, 150, res.Stages[i].Tokens)
		assert.False(t, res.Stages[i].Estimated)
	}
	assert.Equal(t, 600, res.TotalTokens)
	assert.Greater(t, res.TotalCost, 0.0, "balanced models are priced")
	assert.Contains(t, reqs[0].Prompt, "USER QUESTION (Scope: minimal):\nExplain this code function")
	assert.Contains(t, reqs[0].System, "CODE ANALYSIS MODE")
}

func TestRun_StagesReceivePreviousOutput(t *testing.T) {
	client := echoClient()
	o := newOrchestrator(t, client)

	_, err := o.Run(context.Background(), Request{Query: "Compare channels and mutexes", Context: "repo uses Go 1.22"}, nil)
	require.NoError(t, err)

	reqs := client.requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, reqs[0].Prompt, "CONTEXT:\nrepo uses Go 1.22")
	assert.Contains(t, reqs[1].Prompt, "Initial analysis from Generator:\n"+stageText(0))
	assert.Contains(t, reqs[2].Prompt, "Enhanced analysis from Refiner:\n"+stageText(1))
	assert.Contains(t, reqs[3].Prompt, "Validated analysis from Validator:\n"+stageText(2))
	assert.Contains(t, reqs[3].System, "```delete:internal/legacy/old.go")
}

func TestRun_Streaming(t *testing.T) {
	client := &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		for _, c := range []string{"## Part one, ", "because it matters, ", "you can proceed."} {
			if err := req.OnChunk(context.Background(), c); err != nil {
				return nil, err
			}
		}
		return &provider.Response{Model: req.Model}, nil
	}}

	var mu sync.Mutex
	chunks := map[Stage][]string{}
	o := newOrchestrator(t, client)
	res, err := o.Run(context.Background(), Request{
		Query:  "Stream me an answer please",
		Stream: true,
		Callbacks: Callbacks{OnStageChunk: func(_ string, stage Stage, index int, chunk string) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, len(chunks[stage]), index)
			chunks[stage] = append(chunks[stage], chunk)
		}},
	}, nil)

	require.NoError(t, err)
	require.Len(t, res.Stages, 4)
	for _, s := range Stages() {
		assert.Len(t, chunks[s], 3, s)
	}
	assert.Equal(t, "## Part one, because it matters, you can proceed.", res.FinalText)
	assert.True(t, res.Stages[0].Estimated, "usage was not reported")
	assert.Greater(t, res.Stages[0].Tokens, 0)
}

func TestRun_CallbackSequence(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	o := newOrchestrator(t, echoClient(), WithCallbacks(Callbacks{
		OnStateChange: func(_ string, from, to RunState) { record(string(from) + ">" + string(to)) },
	}))
	_, err := o.Run(context.Background(), Request{
		Query: "Describe the layout",
		Callbacks: Callbacks{
			OnStageStart:    func(_ string, s Stage, _ string) { record("start:" + string(s)) },
			OnStageComplete: func(_ string, s Stage, _ StageResult) { record("done:" + string(s)) },
			OnCompleted:     func(*RunResult) { record("completed") },
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"initializing>generating", "start:generator", "done:generator",
		"generating>refining", "start:refiner", "done:refiner",
		"refining>validating", "start:validator", "done:validator",
		"validating>curating", "start:curator", "done:curator",
		"curating>completed", "completed",
	}, events)
}

func TestRun_CancelledBetweenStages(t *testing.T) {
	client := echoClient()
	o := newOrchestrator(t, client)
	token := cancel.New()

	var gotReason cancel.Reason
	res, err := o.Run(context.Background(), Request{
		Query: "Cancel after the first stage",
		Callbacks: Callbacks{
			OnStageComplete: func(_ string, s Stage, _ StageResult) {
				if s == StageGenerator {
					token.Cancel(cancel.ReasonUserRequested)
				}
			},
			OnCancelled: func(_ string, r cancel.Reason) { gotReason = r },
			OnError:     func(string, Stage, error) { t.Error("cancellation must not report an error") },
		},
	}, token)

	require.Error(t, err)
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.NotErrorIs(t, err, ErrStageFailure)
	assert.Equal(t, StateCancelled, res.State)
	assert.False(t, res.Success)
	assert.Len(t, res.Stages, 1)
	assert.Empty(t, res.FinalText)
	assert.Equal(t, cancel.ReasonUserRequested, gotReason)
	assert.Len(t, client.requests(), 1, "later stages are not invoked")
}

func TestRun_CancelledWhileStreaming(t *testing.T) {
	token := cancel.New()
	client := &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		for _, c := range []string{"first", "second", "third"} {
			if err := req.OnChunk(context.Background(), c); err != nil {
				return nil, err
			}
		}
		return &provider.Response{Text: "first second third"}, nil
	}}
	o := newOrchestrator(t, client)

	var seen int
	res, err := o.Run(context.Background(), Request{
		Query:  "Stop mid stream",
		Stream: true,
		Callbacks: Callbacks{OnStageChunk: func(string, Stage, int, string) {
			seen++
			token.Cancel(cancel.ReasonSystemShutdown)
		}},
	}, token)

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	reason, ok := cancel.ReasonFromError(err)
	require.True(t, ok)
	assert.Equal(t, cancel.ReasonSystemShutdown, reason)
	assert.Equal(t, StateCancelled, res.State)
	assert.Empty(t, res.Stages)
	assert.Equal(t, 1, seen)
}

func TestRun_ContextCancelledBeforeStart(t *testing.T) {
	client := echoClient()
	o := newOrchestrator(t, client)
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()

	token := cancel.New()
	res, err := o.Run(ctx, Request{Query: "Never runs"}, token)

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, cancel.ReasonUserRequested, token.Reason())
	assert.Empty(t, client.requests())
}

func TestRun_StageFailure(t *testing.T) {
	boom := errors.New("upstream 502")
	client := &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		if i == 1 {
			return nil, boom
		}
		return &provider.Response{Text: stageText(i)}, nil
	}}
	o := newOrchestrator(t, client)

	var errStage Stage
	res, err := o.Run(context.Background(), Request{
		Query: "Fail in the refiner",
		Callbacks: Callbacks{
			OnError:     func(_ string, s Stage, _ error) { errStage = s },
			OnCancelled: func(string, cancel.Reason) { t.Error("failure must not report cancellation") },
		},
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailure)
	assert.ErrorIs(t, err, boom)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageRefiner, serr.Stage)
	assert.Equal(t, StageRefiner, errStage)

	assert.Equal(t, StateFailed, res.State)
	assert.False(t, res.Success)
	assert.Len(t, res.Stages, 1)
	assert.Empty(t, res.FinalText, "no curator output is fabricated")
	assert.Empty(t, res.Operations)
	assert.Len(t, client.requests(), 2)
	assert.Contains(t, res.Error, "refiner stage failed")
}

func TestRun_EmptyResponseFails(t *testing.T) {
	client := &scriptedClient{respond: func(int, provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: "   "}, nil
	}}
	o := newOrchestrator(t, client)

	_, err := o.Run(context.Background(), Request{Query: "Say nothing"}, nil)

	assert.ErrorIs(t, err, ErrStageFailure)
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
}

func TestRun_InvalidRequests(t *testing.T) {
	o := newOrchestrator(t, echoClient())

	_, err := o.Run(context.Background(), Request{Query: "  "}, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = o.Run(context.Background(), Request{Query: "hi", Profile: "turbo"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestRun_Cost(t *testing.T) {
	pricing := provider.DefaultPricing()
	pricing.Set("test/model", provider.Price{Prompt: 1, Completion: 2})

	registry := NewRegistry("", pricing)
	sc := StageConfig{Model: "test/model", Temperature: 0.5}
	require.NoError(t, registry.Register(Profile{Name: "test", Generator: sc, Refiner: sc, Validator: sc, Curator: sc}))

	client := &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: stageText(i), PromptTokens: 1000, CompletionTokens: 500}, nil
	}}
	o, err := New(client, registry, WithPricing(pricing))
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Request{Query: "price it", Profile: "test"}, nil)
	require.NoError(t, err)

	for _, s := range res.Stages {
		assert.InDelta(t, 2.0, s.Cost, 1e-9)
		assert.Equal(t, "test/model", s.Model)
	}
	assert.InDelta(t, 8.0, res.TotalCost, 1e-9)
	assert.Equal(t, 6000, res.TotalTokens)
}

func TestRun_CuratorOperationsAreDecided(t *testing.T) {
	curated := "## Plan\n\n" + operation.FormatOperations([]operation.FileOperation{
		operation.Create("internal/app/app.go", "package app"),
		operation.Delete("internal/app/legacy.go"),
	})
	client := &scriptedClient{respond: func(i int, req provider.Request) (*provider.Response, error) {
		if i == 3 {
			return &provider.Response{Text: curated}, nil
		}
		return &provider.Response{Text: stageText(i)}, nil
	}}

	decider := &MockDecider{}
	octx := operation.Context{RepositoryRoot: "/src/app", SessionID: "sess-1"}
	wantCtx := octx
	wantCtx.UserQuestion = "Add an app package"
	decider.On("ShouldAutoExecute", mock.Anything, operation.Create("internal/app/app.go", "package app"), wantCtx, operation.ModeBalanced).
		Return(true, &operation.Analysis{ID: "a1"}).Once()
	decider.On("ShouldAutoExecute", mock.Anything, operation.Delete("internal/app/legacy.go"), wantCtx, operation.ModeBalanced).
		Return(false, &operation.Analysis{ID: "a2"}).Once()

	o := newOrchestrator(t, client, WithDecider(decider))
	res, err := o.Run(context.Background(), Request{
		Query:     "Add an app package",
		Mode:      operation.ModeBalanced,
		Operation: &octx,
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Operations, 2)
	require.Len(t, res.Decisions, 2)
	assert.True(t, res.Decisions[0].AutoExecute)
	assert.Equal(t, "a1", res.Decisions[0].Analysis.ID)
	assert.InDelta(t, 0.9, res.Decisions[0].Confidence, 1e-9)
	assert.False(t, res.Decisions[1].AutoExecute)
	assert.Equal(t, operation.KindDelete, res.Decisions[1].Operation.Kind)
	decider.AssertExpectations(t)
}

func TestRun_NoOperationsSkipsDecider(t *testing.T) {
	decider := &MockDecider{}
	o := newOrchestrator(t, echoClient(), WithDecider(decider))

	res, err := o.Run(context.Background(), Request{Query: "Just talk"}, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Decisions)
	decider.AssertNotCalled(t, "ShouldAutoExecute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_Concurrent(t *testing.T) {
	o := newOrchestrator(t, echoClient(), WithMetrics(NewMetrics()))

	var wg sync.WaitGroup
	results := make([]*RunResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := echoClient()
			local, err := New(client, o.Profiles(), WithPools(o.pools))
			if !assert.NoError(t, err) {
				return
			}
			res, err := local.Run(context.Background(), Request{Query: fmt.Sprintf("question %d", i)}, nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		assert.Len(t, r.Stages, 4)
		ids[r.ID] = true
	}
	assert.Len(t, ids, len(results))
}
