package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/database"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted map[string]models.JSONMap
	failed    map[string]string
	done      chan struct{}
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		submitted: make(map[string]models.JSONMap),
		failed:    make(map[string]string),
		done:      make(chan struct{}, 16),
	}
}

func (f *fakeSubmitter) SubmitTaskResult(ctx context.Context, taskID, actorID string, output models.JSONMap, summary string) error {
	f.mu.Lock()
	f.submitted[taskID] = output
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSubmitter) FailTask(ctx context.Context, taskID, reason string) error {
	f.mu.Lock()
	f.failed[taskID] = reason
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSubmitter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the pool")
	}
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		AgentWorkers:     2,
		AgentQueueSize:   4,
		AgentTimeout:     2 * time.Second,
		MaxTaskRetries:   2,
		RetryInitialWait: time.Millisecond,
		RetryMaxWait:     5 * time.Millisecond,
	}
}

func poolFixture(t *testing.T, endpoint string) (*AgentPool, *fakeSubmitter, *repository.Repositories, *gorm.DB, *models.TaskInstance) {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)
	repos := repository.New(db)

	agent := &models.Agent{Name: "helper", Endpoint: endpoint}
	require.NoError(t, db.Create(agent).Error)

	task := &models.TaskInstance{
		NodeInstanceID:     "ni-1",
		WorkflowInstanceID: "wi-1",
		ProcessorID:        "p-1",
		Kind:               models.TaskKindAgent,
		Status:             models.TaskAssigned,
		Title:              "summarize",
		Description:        "summarize the findings",
		AssignedAgentID:    &agent.ID,
		ContextData:        models.JSONMap{"immediate_upstream": map[string]interface{}{}},
		InputData:          models.JSONMap{"text": "hello"},
	}
	require.NoError(t, db.Create(task).Error)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pool := NewAgentPool(testDispatchConfig(), repos, NewHTTPAgentClient(2*time.Second), metrics, logging.Nop())
	submitter := newFakeSubmitter()
	pool.SetSubmitter(submitter)
	return pool, submitter, repos, db, task
}

func TestAgentPoolSubmitsSuccessfulResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AgentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize", req.TaskTitle)
		_ = json.NewEncoder(w).Encode(AgentResponse{
			OutputData: map[string]interface{}{"ok": true},
			Summary:    "all good",
		})
	}))
	defer server.Close()

	pool, submitter, _, _, task := poolFixture(t, server.URL)
	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	require.NoError(t, pool.Enqueue(task.ID))
	submitter.wait(t)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	require.Contains(t, submitter.submitted, task.ID)
	assert.Equal(t, true, submitter.submitted[task.ID]["ok"])
}

func TestAgentPoolRetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(AgentResponse{OutputData: map[string]interface{}{"attempt": n}})
	}))
	defer server.Close()

	pool, submitter, repos, _, task := poolFixture(t, server.URL)
	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	require.NoError(t, pool.Enqueue(task.ID))
	submitter.wait(t)

	submitter.mu.Lock()
	assert.Contains(t, submitter.submitted, task.ID)
	submitter.mu.Unlock()

	reloaded, err := repos.Tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.RetryCount)
}

func TestAgentPoolFailsAfterRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	pool, submitter, _, _, task := poolFixture(t, server.URL)
	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	require.NoError(t, pool.Enqueue(task.ID))
	submitter.wait(t)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	assert.NotContains(t, submitter.submitted, task.ID)
	assert.Contains(t, submitter.failed, task.ID)
}

// The non_retryable sentinel aborts the retry loop immediately.
func TestAgentPoolHonorsNonRetryableSentinel(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(AgentResponse{Status: "non_retryable"})
	}))
	defer server.Close()

	pool, submitter, _, _, task := poolFixture(t, server.URL)
	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	require.NoError(t, pool.Enqueue(task.ID))
	submitter.wait(t)

	mu.Lock()
	assert.Equal(t, 1, calls, "non-retryable failures are not retried")
	mu.Unlock()

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	assert.Contains(t, submitter.failed, task.ID)
}

func TestAgentPoolQueueFullIsTransient(t *testing.T) {
	pool, _, _, _, _ := poolFixture(t, "http://unused.local")
	// Not started: the queue fills up.
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Enqueue("task"))
	}
	err := pool.Enqueue("overflow")
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}

func TestAgentPoolSkipsTerminalTasks(t *testing.T) {
	pool, submitter, repos, _, task := poolFixture(t, "http://unused.local")
	require.NoError(t, repos.Tasks.Transition(context.Background(), task.ID, nil, models.TaskCancelled, nil))

	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()
	require.NoError(t, pool.Enqueue(task.ID))

	time.Sleep(100 * time.Millisecond)
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	assert.Empty(t, submitter.submitted)
	assert.Empty(t, submitter.failed)
}
