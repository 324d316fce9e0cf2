package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/engine"
	"github.com/fyrsmithlabs/consensusd/internal/logging"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/provider"
	"github.com/fyrsmithlabs/consensusd/internal/telemetry"
)

var curated = "## Plan\n\n" + operation.FormatOperations([]operation.FileOperation{
	operation.Create("docs/retries.md", "# Retries\n"),
})

func fakeClient() provider.Client {
	return provider.ClientFunc(func(_ context.Context, req provider.Request) (*provider.Response, error) {
		text := "## Answer\n\nFollow these steps because they work."
		if strings.Contains(req.Prompt, "Validated analysis from Validator") {
			text = curated
		}
		return &provider.Response{Model: req.Model, Text: text, PromptTokens: 5, CompletionTokens: 5}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.History.Backend = config.HistoryMemory
	return cfg
}

func testEngine(t *testing.T, client provider.Client) func() (*engine.Engine, error) {
	return func() (*engine.Engine, error) {
		return engine.New(context.Background(), testConfig(t),
			engine.WithClient(client),
			engine.WithLogger(logging.NewTestLogger().Logger),
			engine.WithTelemetry(telemetry.NewTestTelemetry().Telemetry),
		)
	}
}

func testCmd(ctx context.Context) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetContext(ctx)
	return cmd, &out, &errOut
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "ask", "history", "version"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "consensusd by Fyrsmith Labs")
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestAsk_PrintsAnswerAndDecisions(t *testing.T) {
	cmd, out, errOut := testCmd(context.Background())

	err := runAsk(cmd, "How should retries work?", &askOptions{profile: "speed", mode: "manual"}, testEngine(t, fakeClient()))

	require.NoError(t, err)
	assert.Contains(t, out.String(), "docs/retries.md")
	assert.Contains(t, errOut.String(), "profile=speed")
	assert.Contains(t, errOut.String(), "[review] create docs/retries.md", "manual mode never auto-executes")
}

func TestAsk_Stream(t *testing.T) {
	cmd, _, errOut := testCmd(context.Background())

	err := runAsk(cmd, "How should retries work?", &askOptions{stream: true}, testEngine(t, fakeClient()))

	require.NoError(t, err)
	for _, stage := range []string{"generator", "refiner", "validator", "curator"} {
		assert.Contains(t, errOut.String(), "==> "+stage)
	}
}

func TestAsk_JSON(t *testing.T) {
	cmd, out, _ := testCmd(context.Background())

	err := runAsk(cmd, "How should retries work?", &askOptions{jsonOut: true}, testEngine(t, fakeClient()))

	require.NoError(t, err)
	assert.Contains(t, out.String(), `"state": "completed"`)
}

func TestAsk_InvalidMode(t *testing.T) {
	cmd, _, _ := testCmd(context.Background())
	built := false

	err := runAsk(cmd, "q", &askOptions{mode: "yolo"}, func() (*engine.Engine, error) {
		built = true
		return nil, fmt.Errorf("unreachable")
	})

	assert.ErrorIs(t, err, operation.ErrUnknownMode)
	assert.False(t, built)
}

func TestAsk_Interrupted(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	cmd, _, errOut := testCmd(ctx)

	err := runAsk(cmd, "How should retries work?", &askOptions{}, testEngine(t, fakeClient()))

	require.ErrorIs(t, err, cancel.ErrCancelled)
	reason, ok := cancel.ReasonFromError(err)
	require.True(t, ok)
	assert.Equal(t, cancel.ReasonSystemShutdown, reason)
	assert.Contains(t, errOut.String(), "state=cancelled")
}

func TestSearchOptions_Filters(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	f, err := searchOptions{kind: "delete", path: "internal/*", success: "false", since: time.Hour, limit: 5}.filters(now)
	require.NoError(t, err)
	assert.Equal(t, operation.KindDelete, f.Kind)
	assert.Equal(t, "internal/*", f.PathPattern)
	require.NotNil(t, f.Success)
	assert.False(t, *f.Success)
	require.NotNil(t, f.After)
	assert.Equal(t, now.Add(-time.Hour), *f.After)
	assert.Equal(t, 5, f.Limit)

	_, err = searchOptions{kind: "chmod"}.filters(now)
	assert.Error(t, err)
	_, err = searchOptions{success: "sometimes"}.filters(now)
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg,
			engine.WithClient(fakeClient()),
			engine.WithLogger(logging.NewTestLogger().Logger),
			engine.WithTelemetry(telemetry.NewTestTelemetry().Telemetry),
		)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancelFn()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
