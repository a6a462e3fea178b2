package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/auth"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/jobs"
)

type enqueueStub struct {
	tasks []*asynq.Task
}

func (e *enqueueStub) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault, Payload: task.Payload()}, nil
}

type inspectorStub struct {
	infos map[string]*asynq.QueueInfo
}

func (i inspectorStub) Queues() ([]string, error) {
	names := make([]string, 0, len(i.infos))
	for name := range i.infos {
		names = append(names, name)
	}
	return names, nil
}

func (i inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return i.infos[queue], nil
}

func TestTriggerCommandEnqueuesSweep(t *testing.T) {
	client := &enqueueStub{}
	c := NewJobsCLIWith(client, nil)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := c.TriggerCommand(context.Background(), TriggerOptions{Name: "grants-sweep", BatchSize: 25, Stdout: stdout, Stderr: stderr})
	require.Equal(t, 0, code, stderr.String())
	require.Len(t, client.tasks, 1)
	assert.Equal(t, jobs.TaskGrantsSweep, client.tasks[0].Type())
	assert.JSONEq(t, `{"batch_size":25}`, string(client.tasks[0].Payload()))
	assert.Contains(t, stdout.String(), "enqueued authz:grants_sweep id=t-1")

	code = c.TriggerCommand(context.Background(), TriggerOptions{Name: "reindex", Stdout: stdout, Stderr: stderr})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unsupported job reindex")
}

func TestStatsCommand(t *testing.T) {
	c := NewJobsCLIWith(nil, inspectorStub{infos: map[string]*asynq.QueueInfo{
		jobs.QueueAudit: {Queue: jobs.QueueAudit, Pending: 4, Retry: 1},
	}})

	stdout := new(bytes.Buffer)
	require.Equal(t, 0, c.StatsCommand(context.Background(), StatsOptions{JSONOutput: true, Stdout: stdout}))
	var stats []jobs.QueueStat
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, 4, stats[0].Pending)

	stdout.Reset()
	require.Equal(t, 0, c.StatsCommand(context.Background(), StatsOptions{Stdout: stdout}))
	assert.True(t, strings.HasPrefix(stdout.String(), "QUEUE"))
	assert.Contains(t, stdout.String(), "audit")

	stderr := new(bytes.Buffer)
	assert.Equal(t, 1, NewJobsCLIWith(nil, nil).StatsCommand(context.Background(), StatsOptions{Stderr: stderr}))
}

func TestCatalogCheckCommand(t *testing.T) {
	stdout := new(bytes.Buffer)
	require.Equal(t, 0, CatalogCheckCommand(CatalogCheckOptions{JSONOutput: true, Stdout: stdout}))
	var summary CatalogSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "builtin", summary.Source)
	assert.Contains(t, summary.Global["SUPER_ADMIN"], "MANAGE_PERMISSIONS")
	assert.Contains(t, summary.Store["STAFF"], "READ_PRODUCT")

	bad := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("global:\n  USER: [FLY]\n"), 0o600))
	stderr := new(bytes.Buffer)
	assert.Equal(t, 1, CatalogCheckCommand(CatalogCheckOptions{Path: bad, Stdout: stdout, Stderr: stderr}))
	assert.Contains(t, stderr.String(), "catalog check:")
}

type migratorStub struct {
	calls   []string
	version db.MigrationVersion
	err     error
}

func (m *migratorStub) Up(string) error {
	m.calls = append(m.calls, "up")
	return m.err
}

func (m *migratorStub) Down(_ string, steps int) error {
	m.calls = append(m.calls, "down:"+strings.Repeat("x", steps))
	return m.err
}

func (m *migratorStub) Version(string) (db.MigrationVersion, error) {
	return m.version, nil
}

func TestMigrateCommand(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	m := &migratorStub{version: db.MigrationVersion{Version: 3}}

	assert.Equal(t, 1, MigrateCommand(m, MigrateOptions{Stdout: stdout, Stderr: stderr}))
	assert.Contains(t, stderr.String(), "PG_DSN")

	require.Equal(t, 0, MigrateCommand(m, MigrateOptions{DSN: "postgres://x", Stdout: stdout, Stderr: stderr}))
	require.Equal(t, 0, MigrateCommand(m, MigrateOptions{DSN: "postgres://x", Direction: "down", Steps: 2, Stdout: stdout, Stderr: stderr}))
	assert.Equal(t, []string{"up", "down:xx"}, m.calls)
	assert.Contains(t, stdout.String(), "schema version 3")

	m.version.Dirty = true
	assert.Equal(t, 10, MigrateCommand(m, MigrateOptions{DSN: "postgres://x", Direction: "version", Stdout: stdout, Stderr: stderr}))

	m.err = errors.New("locked")
	assert.Equal(t, 1, MigrateCommand(m, MigrateOptions{DSN: "postgres://x", Stdout: stdout, Stderr: stderr}))
	assert.Equal(t, 1, MigrateCommand(m, MigrateOptions{DSN: "postgres://x", Direction: "sideways", Stdout: stdout, Stderr: stderr}))
}

func TestIssueTokenCommand(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	require.Equal(t, 0, IssueTokenCommand(TokenOptions{Secret: secret, Issuer: "odyssey-authz", UserID: 42, Stdout: stdout, Stderr: stderr}))
	tokens, err := auth.NewTokens(secret, "odyssey-authz", 0)
	require.NoError(t, err)
	userID, err := tokens.Verify(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)

	assert.Equal(t, 1, IssueTokenCommand(TokenOptions{Secret: secret, Stderr: stderr}))
	assert.Equal(t, 1, IssueTokenCommand(TokenOptions{UserID: 1, Stderr: stderr}))
}
