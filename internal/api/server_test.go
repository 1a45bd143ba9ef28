package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/lookup"
	"kvbridge/internal/sink"
	"kvbridge/internal/store"
)

var schema = codec.Schema{
	Fields:     []codec.Field{{Name: "id", Type: codec.TypeInt64}, {Name: "name", Type: codec.TypeString}},
	PrimaryKey: []string{"id"},
}

type fixture struct {
	ts  *httptest.Server
	mem *store.Memory
}

func newFixture(t *testing.T, sk sink.Sink) *fixture {
	t.Helper()
	cfg := &config.Config{
		KeyPrefix: "user",
		DataType:  codec.DataString,
		Schema:    schema,
		Sink: config.WriteOptions{
			BufferFlushMaxSize:  100,
			BufferFlushInterval: time.Hour,
			Parallelism:         2,
		},
		Checkpoint: config.CheckpointConfig{Interval: time.Hour},
	}
	c, err := codec.New(schema, codec.DataString, cfg.KeyPrefix, 0)
	require.NoError(t, err)

	mem := store.NewMemory()
	dial := func(ctx context.Context) (store.Conn, error) { return mem.Conn(), nil }

	if sk == nil {
		e, err := sink.New("api", cfg.Sink, c, dial)
		require.NoError(t, err)
		require.NoError(t, e.Open(context.Background()))
		t.Cleanup(func() { e.Close() })
		sk = e
	}
	lk, err := lookup.New(cfg.Lookup, c, dial)
	require.NoError(t, err)
	require.NoError(t, lk.Open(context.Background()))
	t.Cleanup(func() { lk.Close() })

	ts := httptest.NewServer(NewServer(cfg, c, dial, sk, lk).Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, mem: mem}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestWriteCheckpointLookup(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/records", `{"records":[
		{"kind":"+I","values":{"id":1,"name":"ada"}},
		{"kind":"+I","values":{"id":2,"name":"bob"}},
		{"kind":"-D","values":{"id":2}}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[WriteResponse](t, resp).Accepted)

	// Still buffered.
	assert.Equal(t, http.StatusNotFound, f.get(t, "/lookup?key=1").StatusCode)

	require.Equal(t, http.StatusNoContent, f.post(t, "/checkpoint", "").StatusCode)

	resp = f.get(t, "/lookup?key=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	row := decode[LookupResponse](t, resp).Row
	assert.Equal(t, "ada", row["name"])
	assert.EqualValues(t, 1, row["id"])
	assert.Equal(t, http.StatusNotFound, f.get(t, "/lookup?key=2").StatusCode)
}

func TestBatchLookup(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.post(t, "/records", `{"records":[{"values":{"id":7,"name":"eve"}}]}`).StatusCode)
	require.Equal(t, http.StatusNoContent, f.post(t, "/checkpoint", "").StatusCode)

	resp := f.post(t, "/lookup", `{"keys":[[7],[8]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := decode[BatchLookupResponse](t, resp).Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "eve", rows[0]["name"])
	assert.Nil(t, rows[1])
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		resp   func() *http.Response
		status int
	}{
		{"malformed json", func() *http.Response { return f.post(t, "/records", `{"records":`) }, http.StatusBadRequest},
		{"unknown field", func() *http.Response {
			return f.post(t, "/records", `{"records":[{"values":{"id":1,"age":3}}]}`)
		}, http.StatusBadRequest},
		{"bad kind", func() *http.Response {
			return f.post(t, "/records", `{"records":[{"kind":"?","values":{"id":1}}]}`)
		}, http.StatusBadRequest},
		{"missing key", func() *http.Response { return f.get(t, "/lookup") }, http.StatusBadRequest},
		{"key not numeric", func() *http.Response { return f.get(t, "/lookup?key=abc") }, http.StatusBadRequest},
		{"too many keys", func() *http.Response { return f.get(t, "/lookup?key=1&key=2") }, http.StatusBadRequest},
		{"get records", func() *http.Response { return f.get(t, "/records") }, http.StatusMethodNotAllowed},
		{"get checkpoint", func() *http.Response { return f.get(t, "/checkpoint") }, http.StatusMethodNotAllowed},
		{"empty job", func() *http.Response { return f.post(t, "/jobs", " ") }, http.StatusBadRequest},
		{"unknown job", func() *http.Response { return f.get(t, "/jobs/nope") }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.resp().StatusCode)
		})
	}
}

type brokenSink struct{}

var errBroken = fmt.Errorf("%w: pipeline flush: connection reset", sink.ErrFailed)

func (brokenSink) Open(ctx context.Context) error { return nil }
func (brokenSink) Write(ctx context.Context, row codec.Row) error { return errBroken }
func (brokenSink) Checkpoint(ctx context.Context) error { return errBroken }
func (brokenSink) Close() error { return nil }

func TestFailedSinkIsUnavailable(t *testing.T) {
	f := newFixture(t, brokenSink{})

	assert.Equal(t, http.StatusServiceUnavailable,
		f.post(t, "/records", `{"records":[{"values":{"id":1,"name":"x"}}]}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "/checkpoint", "").StatusCode)
}

func TestIngestJob(t *testing.T) {
	f := newFixture(t, nil)

	var sb strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&sb, `{"kind":"+I","values":{"id":%d,"name":"u%d"}}`+"\n", i, i)
	}
	resp := f.post(t, "/jobs", sb.String())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[JobResponse](t, resp).JobID
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp, err := http.Get(f.ts.URL + "/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st JobStatus
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.Status == "finished"
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 50, f.mem.Len())
	resp = f.get(t, "/lookup?key=49")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u49", decode[LookupResponse](t, resp).Row["name"])
}

func TestFailedJobReportsError(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/jobs", `{"values":{"id":"not a number"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[JobResponse](t, resp).JobID

	var st JobStatus
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.ts.URL + "/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.Status == "error"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, st.Error, "codec: encode")
	assert.NotNil(t, st.FinishedAt)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/jobs", `{"values":{"id":1,"name":"a"}}`)
	id := decode[JobResponse](t, resp).JobID

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/jobs/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	// Terminal states are sticky; the job may have finished before the cancel.
	st := decode[JobStatus](t, f.get(t, "/jobs/"+id))
	assert.Contains(t, []string{"cancelled", "finished"}, st.Status)
	assert.NotNil(t, st.FinishedAt)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").StatusCode)

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
