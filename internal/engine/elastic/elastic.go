// Package elastic implements the extractor's Engine on Elasticsearch point-in-
// time searches with search_after pagination.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
)

type Config struct {
	Addresses []string
	Username  string
	Password  string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

type Engine struct {
	client *elasticsearch.Client
	logger *slog.Logger
}

var _ extractor.Engine = (*Engine)(nil)

// New builds a client. Client-side retries are disabled: the extractor owns
// the retry budget and must see every failure.
func New(cfg Config) (*Engine, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    cfg.Transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Engine{
		client: client,
		logger: slog.Default().With("component", "elastic-engine"),
	}, nil
}

// Ping checks that the cluster answers.
func (e *Engine) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
	defer drain(res)
	if res.IsError() {
		return apperrors.Newf(apperrors.ErrConnection, "ping returned %s", res.Status())
	}
	return nil
}

func (e *Engine) OpenSnapshot(ctx context.Context, q extractor.Query) (*extractor.Snapshot, error) {
	exists, err := esapi.IndicesExistsRequest{Index: []string{q.Index}}.Do(ctx, e.client)
	if err != nil {
		return nil, openError(ctx, err)
	}
	drain(exists)
	switch {
	case exists.StatusCode == http.StatusNotFound:
		return nil, apperrors.Newf(apperrors.ErrIndexNotFound, "index %q does not exist", q.Index)
	case exists.IsError():
		return nil, apperrors.Newf(apperrors.ErrConnection, "checking index %q: %s", q.Index, exists.Status())
	}

	res, err := esapi.OpenPointInTimeRequest{
		Index:     []string{q.Index},
		KeepAlive: keepAlive(q.KeepAlive),
	}.Do(ctx, e.client)
	if err != nil {
		return nil, openError(ctx, err)
	}
	body, err := readBody(res)
	if err != nil {
		return nil, openError(ctx, err)
	}
	if res.IsError() {
		return nil, apperrors.Newf(apperrors.ErrConnection, "opening point in time on %q: %s", q.Index, describe(res.StatusCode, body))
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		id = gjson.GetBytes(body, "pit_id").String()
	}
	if id == "" {
		return nil, apperrors.Newf(apperrors.ErrConnection, "point in time response carries no id: %s", truncate(body))
	}
	e.logger.Debug("point in time opened", "index", q.Index, "keep_alive", keepAlive(q.KeepAlive))
	return &extractor.Snapshot{ID: id, Query: q, OpenedAt: time.Now()}, nil
}

func (e *Engine) Search(ctx context.Context, snap *extractor.Snapshot, after extractor.Marker, size int) (extractor.Page, error) {
	payload, err := buildSearch(snap, after, size)
	if err != nil {
		return extractor.Page{}, err
	}
	res, err := esapi.SearchRequest{Body: bytes.NewReader(payload)}.Do(ctx, e.client)
	if err != nil {
		return extractor.Page{}, transportError(ctx, "search", err)
	}
	body, err := readBody(res)
	if err != nil {
		return extractor.Page{}, transportError(ctx, "reading search response", err)
	}
	if res.IsError() {
		return extractor.Page{}, statusError("search", res.StatusCode, body)
	}
	return parsePage(body)
}

func (e *Engine) CloseSnapshot(ctx context.Context, snap *extractor.Snapshot) error {
	payload, err := json.Marshal(map[string]string{"id": snap.ID})
	if err != nil {
		return fmt.Errorf("encoding close request: %w", err)
	}
	res, err := esapi.ClosePointInTimeRequest{Body: bytes.NewReader(payload)}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("closing point in time: %w", err)
	}
	body, err := readBody(res)
	if err != nil {
		return fmt.Errorf("reading close response: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		e.logger.Warn("point in time already gone", "response", truncate(body))
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("closing point in time: %s", describe(res.StatusCode, body))
	}
	return nil
}

func parsePage(body []byte) (extractor.Page, error) {
	hits := gjson.GetBytes(body, "hits.hits")
	if !hits.Exists() || !hits.IsArray() {
		return extractor.Page{}, fmt.Errorf("search response has no hits array: %s", truncate(body))
	}
	page := extractor.Page{SnapshotID: gjson.GetBytes(body, "pit_id").String()}
	var perr error
	hits.ForEach(func(_, hit gjson.Result) bool {
		sortValues := hit.Get("sort").Array()
		if len(sortValues) == 0 {
			perr = fmt.Errorf("hit %s carries no sort values", hit.Get("_id").String())
			return false
		}
		keys := make([]json.RawMessage, len(sortValues))
		for i, v := range sortValues {
			keys[i] = json.RawMessage(v.Raw)
		}
		page.Records = append(page.Records, extractor.Record{
			ID:     hit.Get("_id").String(),
			Sort:   extractor.MarkerFromRaw(keys...),
			Source: json.RawMessage(hit.Get("_source").Raw),
		})
		return true
	})
	if perr != nil {
		return extractor.Page{}, perr
	}
	return page, nil
}

func openError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
}

// transportError marks network failures transient. Cancellation of the
// caller's context is passed through untouched.
func transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return apperrors.Transient(fmt.Errorf("%s: %w", op, err))
}

// statusError classifies an HTTP error response: throttling and server-side
// faults are transient, everything else (bad query, expired PIT) is not.
func statusError(op string, status int, body []byte) error {
	err := fmt.Errorf("%s: %s", op, describe(status, body))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return apperrors.Transient(err)
	}
	return err
}

func describe(status int, body []byte) string {
	typ := gjson.GetBytes(body, "error.type").String()
	reason := gjson.GetBytes(body, "error.reason").String()
	if typ == "" && reason == "" {
		return fmt.Sprintf("status %d: %s", status, truncate(body))
	}
	return fmt.Sprintf("status %d: %s: %s", status, typ, reason)
}

func readBody(res *esapi.Response) ([]byte, error) {
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

func drain(res *esapi.Response) {
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
