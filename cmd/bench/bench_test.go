package main

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/payments"
	"github.com/croptrace/croptrace/qr"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/server"
	"github.com/croptrace/croptrace/srvreg"
	"github.com/croptrace/croptrace/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T) string {
	t.Helper()
	logger := cmtlog.NewNopLogger()

	repo := repository.NewRepository(logger)
	require.NoError(t, repo.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())))
	t.Cleanup(func() { _ = repo.Close() })

	sessions, err := identity.Open("", time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	svc := workflow.NewService(repo, sessions, nil, logger, workflow.Options{StrictPipeline: true})
	sr := srvreg.NewServiceRegistry(logger)
	srvreg.NewHandlers(svc, payments.MockProvider{}, qr.NewGenerator("http://bench"), nil, nil, logger).Register(sr)

	ts := httptest.NewServer(server.NewWebServer("0", sr, sessions, logger).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRunWorkflow(t *testing.T) {
	baseURL := newNode(t)
	client := NewHTTPClient(baseURL)

	c, err := register(client, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, c.farmer.UserID)
	assert.Equal(t, "retailer", c.retailer.Type)

	require.NoError(t, runWorkflow(client, c))
	require.NoError(t, runWorkflow(client, c))
}

func TestRun(t *testing.T) {
	baseURL := newNode(t)

	res, err := run(baseURL, 2, 300*time.Millisecond, false)
	require.NoError(t, err)
	assert.Positive(t, res.SuccessfulReqs)
	assert.Zero(t, res.FailedReqs, res.FirstError)
	assert.LessOrEqual(t, res.MinLatency, res.P95Latency)
	assert.LessOrEqual(t, res.P95Latency, res.MaxLatency)

	file := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, writeCSV(file, 2, 1, "off", res))
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Total_Workflows")
}

func TestRunWorkflow_ReportsAPIErrors(t *testing.T) {
	client := NewHTTPClient(newNode(t))
	err := runWorkflow(client, &cast{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add crop: HTTP 400")
}

func TestCollector(t *testing.T) {
	c := &collector{}
	for i := 1; i <= 20; i++ {
		c.add(WorkflowResult{Success: true, Latency: time.Duration(i) * time.Millisecond})
	}
	c.add(WorkflowResult{ErrorMsg: "first"})
	c.add(WorkflowResult{ErrorMsg: "second"})

	res := c.result(2 * time.Second)
	assert.Equal(t, 22, res.TotalRequests)
	assert.Equal(t, 2, res.FailedReqs)
	assert.Equal(t, "first", res.FirstError)
	assert.Equal(t, 11.0, res.TPS)
	assert.Equal(t, time.Millisecond, res.MinLatency)
	assert.Equal(t, 20*time.Millisecond, res.MaxLatency)
	assert.Equal(t, 20*time.Millisecond, res.P95Latency)
	assert.Equal(t, 10500*time.Microsecond, res.AvgLatency)
}

func TestOutputFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	name, err := outputFile(dir, 4, 30, "mock", at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custody_2024-03-01_09-30-00_w4_d30s_mock.csv"), name)
	assert.DirExists(t, dir)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = outputFile(filepath.Join(blocker, "records"), 4, 30, "mock", at)
	assert.ErrorContains(t, err, "creating")
}
