package elastic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeDoc struct {
	id  string
	ts  int64
	seq int64
	msg string
}

// fakeCluster answers the handful of endpoints the engine uses. It honours
// search_after on (ts, seq) but does not evaluate queries.
type fakeCluster struct {
	mu         sync.Mutex
	index      string
	docs       []fakeDoc
	pitSeq     int
	openPITs   map[string]bool
	searches   []string
	closed     []string
	failSearch []int
	openStatus int
}

func newFakeCluster(index string, n int) *fakeCluster {
	c := &fakeCluster{index: index, openPITs: make(map[string]bool)}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < n; i++ {
		// pairs of documents share a timestamp so the tiebreaker matters
		c.docs = append(c.docs, fakeDoc{
			id:  fmt.Sprintf("doc-%d", i),
			ts:  start + int64(i/2)*1000,
			seq: int64(i) + 1<<53,
			msg: fmt.Sprintf("message %d", i),
		})
	}
	return c
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if r.URL.Path == "/"+c.index {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.URL.Path == "/"+c.index+"/_pit":
		if c.openStatus != 0 {
			w.WriteHeader(c.openStatus)
			fmt.Fprint(w, `{"error":{"type":"cluster_block_exception","reason":"blocked"}}`)
			return
		}
		c.pitSeq++
		id := fmt.Sprintf("pit-%d", c.pitSeq)
		c.openPITs[id] = true
		fmt.Fprintf(w, `{"id":%q}`, id)
	case r.URL.Path == "/_search":
		c.searches = append(c.searches, string(body))
		if len(c.failSearch) > 0 {
			status := c.failSearch[0]
			c.failSearch = c.failSearch[1:]
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"type":"search_phase_execution_exception","reason":"injected"}}`)
			return
		}
		c.search(w, body)
	case r.Method == http.MethodDelete && r.URL.Path == "/_pit":
		id := gjson.GetBytes(body, "id").String()
		c.closed = append(c.closed, id)
		if !c.openPITs[id] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"succeeded":true,"num_freed":0}`)
			return
		}
		delete(c.openPITs, id)
		fmt.Fprint(w, `{"succeeded":true,"num_freed":1}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":{"type":"unexpected","reason":"%s %s"}}`, r.Method, r.URL.Path)
	}
}

func (c *fakeCluster) search(w http.ResponseWriter, body []byte) {
	pit := gjson.GetBytes(body, "pit.id").String()
	if !c.openPITs[pit] {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"search_context_missing_exception","reason":"No search context found"}}`)
		return
	}
	size := int(gjson.GetBytes(body, "size").Int())
	start := 0
	if after := gjson.GetBytes(body, "search_after").Array(); len(after) == 2 {
		ts, seq := after[0].Int(), after[1].Int()
		for start < len(c.docs) {
			d := c.docs[start]
			if d.ts > ts || (d.ts == ts && d.seq > seq) {
				break
			}
			start++
		}
	}
	end := start + size
	if end > len(c.docs) {
		end = len(c.docs)
	}
	// rotate the PIT id on every page, as the cluster is allowed to
	delete(c.openPITs, pit)
	c.pitSeq++
	next := fmt.Sprintf("pit-%d", c.pitSeq)
	c.openPITs[next] = true

	fmt.Fprintf(w, `{"pit_id":%q,"took":1,"hits":{"hits":[`, next)
	for i, d := range c.docs[start:end] {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"_id":%q,"_source":{"timestamp":%q,"level":"ERROR","msg":%q},"sort":[%d,%d]}`,
			d.id, time.UnixMilli(d.ts).UTC().Format(time.RFC3339), d.msg, d.ts, d.seq)
	}
	fmt.Fprint(w, "]}}")
}

func newTestEngine(t *testing.T, c *fakeCluster) *Engine {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	eng, err := New(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return eng
}

func testExtractor(eng extractor.Engine, pageSize int) *extractor.Extractor {
	return extractor.New(eng, extractor.Options{
		Index:    "logs",
		PageSize: pageSize,
		Retry:    resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
}

type memSink struct{ ids []string }

func (s *memSink) Append(r extractor.Record) error { s.ids = append(s.ids, r.ID); return nil }
func (s *memSink) Flush() error                    { return nil }
func (s *memSink) Close() error                    { return nil }

func TestRunAgainstCluster(t *testing.T) {
	c := newFakeCluster("logs", 25)
	eng := newTestEngine(t, c)

	out := &memSink{}
	res, err := testExtractor(eng, 4).Run(context.Background(), extractor.Filters{}, out)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Records)
	require.Len(t, out.ids, 25)
	for i, id := range out.ids {
		assert.Equal(t, fmt.Sprintf("doc-%d", i), id)
	}

	last, err := res.Last.Int64(1)
	require.NoError(t, err)
	assert.Equal(t, int64(24)+1<<53, last, "sort values above 2^53 survive unchanged")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.openPITs, "the latest rotated PIT id was closed")
	require.Len(t, c.closed, 1)
	require.Len(t, c.searches, 8)
	assert.Equal(t, "pit-1", gjson.Get(c.searches[0], "pit.id").String())
	assert.Equal(t, "pit-2", gjson.Get(c.searches[1], "pit.id").String())
	assert.False(t, gjson.Get(c.searches[0], "search_after").Exists())
	assert.Equal(t, "[1704067201000,9007199254740995]", gjson.Get(c.searches[1], "search_after").Raw)
}

func TestTransientStatusesAreRetried(t *testing.T) {
	c := newFakeCluster("logs", 6)
	c.failSearch = []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}
	eng := newTestEngine(t, c)

	out := &memSink{}
	res, err := testExtractor(eng, 10).Run(context.Background(), extractor.Filters{}, out)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Len(t, out.ids, 6)
}

func TestClientErrorIsFatal(t *testing.T) {
	c := newFakeCluster("logs", 6)
	c.failSearch = []int{http.StatusBadRequest}
	eng := newTestEngine(t, c)

	_, err := testExtractor(eng, 10).Run(context.Background(), extractor.Filters{}, &memSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFatalExtraction))
	assert.Contains(t, err.Error(), "search_phase_execution_exception")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.searches, 1)
	assert.Len(t, c.closed, 1)
}

func TestOpenErrors(t *testing.T) {
	c := newFakeCluster("logs", 1)
	eng := newTestEngine(t, c)

	_, err := eng.OpenSnapshot(context.Background(), extractor.Query{Index: "missing", KeepAlive: time.Minute})
	assert.True(t, errors.Is(err, apperrors.ErrIndexNotFound))

	c.openStatus = http.StatusServiceUnavailable
	_, err = eng.OpenSnapshot(context.Background(), extractor.Query{Index: "logs", KeepAlive: time.Minute})
	assert.True(t, errors.Is(err, apperrors.ErrConnection))
	assert.Contains(t, err.Error(), "cluster_block_exception")
}

func TestUnreachableCluster(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	eng, err := New(Config{Addresses: []string{url}})
	require.NoError(t, err)
	_, err = eng.OpenSnapshot(context.Background(), extractor.Query{Index: "logs", KeepAlive: time.Minute})
	assert.True(t, errors.Is(err, apperrors.ErrConnection))
	assert.Error(t, eng.Ping(context.Background()))
}

func TestPing(t *testing.T) {
	eng := newTestEngine(t, newFakeCluster("logs", 0))
	assert.NoError(t, eng.Ping(context.Background()))
}

func TestCloseExpiredSnapshotIsNotAnError(t *testing.T) {
	eng := newTestEngine(t, newFakeCluster("logs", 0))
	err := eng.CloseSnapshot(context.Background(), &extractor.Snapshot{ID: "long-gone"})
	assert.NoError(t, err)
}

func TestParsePageRejectsMalformedResponses(t *testing.T) {
	_, err := parsePage([]byte(`{"took":1}`))
	assert.Error(t, err)
	_, err = parsePage([]byte(`{"hits":{"hits":[{"_id":"a","_source":{}}]}}`))
	assert.Error(t, err)

	page, err := parsePage([]byte(`{"pit_id":"p2","hits":{"hits":[]}}`))
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, "p2", page.SnapshotID)
}
