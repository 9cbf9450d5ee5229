// Client-side tracking facade over the store and the model registry.

// Package tracking provides the high-level client used by training code:
// start a run inside a named experiment, stream params, metrics, and
// artifacts into it, and finalize it. Every run a client starts carries
// the client's identity as tags, so runs remain attributable after the
// process is gone.
package tracking

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/metrics"
	"github.com/mlstack/rundb/internal/ratelimit"
	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
)

const (
	// tagClientID labels every run with the creating client's id.
	tagClientID = "client.id"
	// tagClientHost labels every run with the creating client's hostname.
	tagClientHost = "client.host"
)

// Client tracks runs against one store and its model registry.
//
// A Client is safe for concurrent use. It holds a random identity for its
// lifetime and a pacer for buffered metric pipelines; Close releases the
// pacer's cleanup goroutine but leaves the store untouched.
type Client struct {
	store     *store.Store
	registry  *registry.Registry
	collector *metrics.Collector
	pacer     *ratelimit.Limiter
	id        string
	host      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCollector wires Prometheus instrumentation into every store call the
// client makes.
func WithCollector(col *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.collector = col
	}
}

// NewClient returns a tracking client over st and reg. The metric pacer is
// sized from the store's pacing configuration; zero means unlimited.
func NewClient(st *store.Store, reg *registry.Registry, opts ...ClientOption) *Client {
	pacing := st.Config().Pacing
	c := &Client{
		store:    st,
		registry: reg,
		pacer:    ratelimit.New(pacing.MetricsPerSec, pacing.MetricsBurst),
		id:       uuid.NewString(),
		host:     hostname(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client's identity, the value stamped as the client.id tag.
func (c *Client) ID() string {
	return c.id
}

// Close stops the pacer's bucket cleanup. Runs started by the client stay
// valid; only buffered pipelines created afterwards go unpaced.
func (c *Client) Close() {
	c.pacer.Close()
}

// GC runs a garbage collection pass on the underlying store, reclaiming
// orphan blobs and stale temp files. Long-lived processes call it
// periodically; the collector, when wired, picks up the pass's results.
func (c *Client) GC(ctx context.Context) (*store.GCResult, error) {
	start := time.Now()
	res, err := c.store.GC(ctx, false)
	c.observe("gc", start, err)
	if err != nil {
		return nil, err
	}
	if c.collector != nil {
		c.collector.RecordGC(res)
	}
	return res, nil
}

// RunOption configures a run at StartRun time.
type RunOption func(*runOptions)

type runOptions struct {
	source string
	tags   map[string]string
	buffer int
}

// WithSource sets the run's origin label, typically the training script name.
func WithSource(source string) RunOption {
	return func(o *runOptions) {
		o.source = source
	}
}

// WithTags seeds the run's tags. Identity tags win on key collisions.
func WithTags(tags map[string]string) RunOption {
	return func(o *runOptions) {
		o.tags = tags
	}
}

// WithBufferedMetrics switches the run's metric appends to an asynchronous
// pipeline: LogMetric enqueues into a buffer of n points and a background
// goroutine drains it in batches, paced per run by the store's pacing
// configuration. Errors from flushed batches surface on End.
func WithBufferedMetrics(n int) RunOption {
	return func(o *runOptions) {
		o.buffer = n
	}
}

// StartRun creates a run inside the named experiment, creating the
// experiment on first use. The returned ActiveRun is tagged with the
// client's identity.
func (c *Client) StartRun(ctx context.Context, experiment string, opts ...RunOption) (*ActiveRun, error) {
	start := time.Now()
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	exp, err := c.experimentByName(ctx, experiment)
	if err != nil {
		c.observe("start_run", start, err)
		return nil, err
	}
	tags := make(map[string]string, len(ro.tags)+2)
	for k, v := range ro.tags {
		tags[k] = v
	}
	tags[tagClientID] = c.id
	tags[tagClientHost] = c.host
	run, err := c.store.Runs.Create(ctx, exp.ID, &store.CreateRunOptions{Source: ro.source, Tags: tags})
	c.observe("start_run", start, err)
	if err != nil {
		return nil, err
	}
	r := &ActiveRun{client: c, id: run.ID, experimentID: exp.ID}
	if ro.buffer > 0 {
		r.buf = make(chan store.MetricPoint, ro.buffer)
		r.pumpCtx, r.pumpCancel = context.WithCancel(context.Background())
		r.pumpDone = make(chan struct{})
		go r.pump()
	}
	return r, nil
}

// experimentByName resolves an active experiment, creating it when missing.
// Two clients racing on the same fresh name both end up on the one record
// the winner created.
func (c *Client) experimentByName(ctx context.Context, name string) (*store.Experiment, error) {
	exp, err := c.store.Experiments.GetByName(name)
	if err == nil {
		return exp, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	exp, err = c.store.Experiments.Create(ctx, name, "")
	if store.IsDuplicateName(err) {
		return c.store.Experiments.GetByName(name)
	}
	return exp, err
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.collector != nil {
		c.collector.RecordOp(op, err, time.Since(start))
	}
}

func (c *Client) countMetricPoints(n int) {
	if c.collector != nil {
		c.collector.RecordMetricPoints(n)
	}
}

func (c *Client) countArtifact(size int64) {
	if c.collector != nil {
		c.collector.RecordArtifact(size)
	}
}

// pacingKey scopes the shared pacer to one run's bucket.
func pacingKey(id jsonldb.ID) string {
	return "run:" + id.String()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
