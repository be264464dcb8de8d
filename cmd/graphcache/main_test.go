package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/cache"
)

func graphqlServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(strings.TrimSpace(body.Query), "mutation") {
			_, _ = w.Write([]byte(`{"data":{"r":{"__typename":"User","id":"1","name":"Zed"}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"viewer":{"__typename":"User","id":"1","name":"Ann"}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryCommand(t *testing.T) {
	var calls atomic.Int32
	srv := graphqlServer(t, &calls)
	snap := filepath.Join(t.TempDir(), "cache.json")

	var stdout, stderr bytes.Buffer
	err := run([]string{"query", "--endpoint", srv.URL, "--repeat", "2", "--snapshot.out", snap, "{ viewer { id name } }"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	dec := json.NewDecoder(&stdout)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	want := map[string]any{"data": map[string]any{"viewer": map[string]any{"id": "1", "name": "Ann"}}}
	require.Equal(t, want, first)
	require.Equal(t, want, second)
	require.Contains(t, stderr.String(), "from network")
	require.Contains(t, stderr.String(), "from cache")

	saved, err := readSnapshot(snap)
	require.NoError(t, err)
	require.Equal(t, "Ann", saved["User:1"].Fields["name"])
}

func TestQueryFromSnapshotWithCacheOnly(t *testing.T) {
	var calls atomic.Int32
	srv := graphqlServer(t, &calls)
	dir := t.TempDir()
	snap := filepath.Join(dir, "cache.pb")
	require.NoError(t, writeSnapshot(snap, cache.Snapshot{
		"ROOT_QUERY": {Fields: map[cache.FieldKey]any{"viewer": map[string]any{"__ref": "User:1"}}},
		"User:1":     {Typename: "User", Fields: map[cache.FieldKey]any{"id": "1", "name": "Cached"}},
	}))

	doc := filepath.Join(dir, "viewer.graphql")
	require.NoError(t, os.WriteFile(doc, []byte(`query Viewer { viewer { name } }`), 0o600))

	var stdout, stderr bytes.Buffer
	err := run([]string{"query", "--endpoint", srv.URL, "--fetch-policy", "cache-only", "--snapshot.in", snap, "@" + doc}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	require.Contains(t, stdout.String(), `"Cached"`)
	require.Equal(t, int32(0), calls.Load())

	err = run([]string{"query", "--endpoint", srv.URL, "--fetch-policy", "only-if-cached", "{ viewer { email } }"}, &stdout, &stderr)
	require.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestMutationCommand(t *testing.T) {
	var calls atomic.Int32
	srv := graphqlServer(t, &calls)
	var stdout, stderr bytes.Buffer
	err := run([]string{"query", "--endpoint", srv.URL, "--var", `name="Zed"`, `mutation($name: String) { r: rename(name: $name) { name } }`}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	require.Contains(t, stdout.String(), `"Zed"`)
	require.Equal(t, int32(1), calls.Load())
}

func TestQueryRequiresEndpoint(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"query", "{ a }"}, &stdout, &stderr)
	require.ErrorContains(t, err, "no endpoint configured")

	err = run([]string{"query", "--endpoint", "http://x", "--policy", "sometimes", "{ a }"}, &stdout, &stderr)
	require.Error(t, err)

	err = run([]string{"query", "--endpoint", "http://x", "--header", "broken", "{ a }"}, &stdout, &stderr)
	require.ErrorContains(t, err, "invalid header")
}

func TestSchemaKeysCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.graphql")
	require.NoError(t, os.WriteFile(path, []byte(`
type Query { viewer: User settings: Settings }
type User @cacheControl(maxAge: 30) { id: ID! name: String }
type Settings @key(field: "") { theme: String }
`), 0o600))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"schema", "keys", "--schema", path}, &stdout, &stderr))
	out := stdout.String()
	require.Regexp(t, `User\s+id\s+30s`, out)
	require.Regexp(t, `Settings\s+\S*\(by path\)`, out)
}

func TestSnapshotCommands(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "cache.json")
	require.NoError(t, writeSnapshot(in, cache.Snapshot{
		"User:1": {Typename: "User", Fields: map[cache.FieldKey]any{"name": "Ann"}, ExpiresAt: 1},
	}))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"snapshot", "inspect", in}, &stdout, &stderr))
	require.Regexp(t, `User:1\s+User\s+1\s+\S*expired`, stdout.String())

	out := filepath.Join(dir, "cache.pb")
	require.NoError(t, run([]string{"snapshot", "convert", in, out}, &stdout, &stderr))
	snap, err := readSnapshot(out)
	require.NoError(t, err)
	require.Equal(t, "Ann", snap["User:1"].Fields["name"])
	require.Equal(t, int64(1), snap["User:1"].ExpiresAt)
}
