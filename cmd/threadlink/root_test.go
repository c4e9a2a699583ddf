package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadlink/api/internal/auth"
)

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"hash-token"},
		{"sync", "create"}, {"sync", "upload"}, {"sync", "refresh"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	memory := serve.Flags().Lookup("memory")
	require.NotNil(t, memory)
	assert.Equal(t, "false", memory.DefValue)

	migrate, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)
	require.NotNil(t, migrate.Flags().Lookup("status"))

	create, _, err := cmd.Find([]string{"sync", "create"})
	require.NoError(t, err)
	for _, name := range []string{"project", "issue-type", "summary", "priority"} {
		assert.NotNil(t, create.Flags().Lookup(name), name)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHashToken(t *testing.T) {
	out, err := execute(t, "", "hash-token", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	require.NoError(t, auth.CheckBearer(hash, "Bearer s3cret"))

	out, err = execute(t, "from-stdin\n", "hash-token")
	require.NoError(t, err)
	require.NoError(t, auth.CheckBearer(strings.TrimSpace(out), "Bearer from-stdin"))

	_, err = execute(t, "\n", "hash-token")
	require.Error(t, err)
}

func TestSyncRejectsMalformedThreadID(t *testing.T) {
	_, err := execute(t, "", "sync", "refresh", "not-a-thread")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed thread id")
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"THREADLINK_CONFIG", "DATABASE_URL", "REDIS_URL", "MEILI_URL", "MINIO_ENDPOINT",
		"SLACK_BOT_TOKEN", "SLACK_API_URL", "SLACK_WORKSPACE_URL", "JIRA_URL", "JIRA_PROJECT",
		"JIRA_USER", "JIRA_PASS", "JIRA_LABEL",
	} {
		t.Setenv(key, "")
	}
}

func TestSyncRequiresSettings(t *testing.T) {
	isolateEnv(t)
	_, err := execute(t, "", "sync", "create", "--memory", "C1:1714659000.000100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required settings")
}

func TestSyncCreateInMemory(t *testing.T) {
	isolateEnv(t)

	slackMux := http.NewServeMux()
	slackMux.HandleFunc("/api/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"ts": "1714659000.000100", "thread_ts": "1714659000.000100", "user": "U1", "text": "Checkout is *down*", "reply_count": 1},
				{"ts": "1714659060.000200", "thread_ts": "1714659000.000100", "user": "U1", "text": "rolled back"},
			},
		})
	})
	slackMux.HandleFunc("/api/users.info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "user": map[string]any{"name": "alice"}})
	})
	slackServer := httptest.NewServer(slackMux)
	t.Cleanup(slackServer.Close)

	var (
		mu       sync.Mutex
		summary  string
		comments []string
	)
	jiraMux := http.NewServeMux()
	jiraMux.HandleFunc("/rest/api/2/issue", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields struct {
				Summary string `json:"summary"`
			} `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		summary = body.Fields.Summary
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "1", "key": "OPS-101"})
	})
	jiraMux.HandleFunc("/rest/api/2/issue/OPS-101/comment", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		comments = append(comments, body.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "10"})
	})
	jiraServer := httptest.NewServer(jiraMux)
	t.Cleanup(jiraServer.Close)

	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_API_URL", slackServer.URL+"/api")
	t.Setenv("SLACK_WORKSPACE_URL", "https://acme.slack.com")
	t.Setenv("JIRA_URL", jiraServer.URL)
	t.Setenv("JIRA_PROJECT", "OPS")

	out, err := execute(t, "", "sync", "create", "--memory", "--user", "U1", "C1:1714659000.000100")
	require.NoError(t, err)

	var res struct {
		Status      string `json:"status"`
		IssueKey    string `json:"issueKey"`
		SyncedCount int    `json:"syncedCount"`
		IssueURL    string `json:"issueUrl"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "OPS-101", res.IssueKey)
	assert.Equal(t, 2, res.SyncedCount)
	assert.Equal(t, jiraServer.URL+"/browse/OPS-101", res.IssueURL)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Checkout is *down*", summary)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "??[~alice]??")
	assert.Contains(t, comments[0], "rolled back")
	assert.Contains(t, comments[0], "https://acme.slack.com/archives/C1/p1714659060000200?thread_ts=1714659000.000100&cid=C1")
}
