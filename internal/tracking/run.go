// An in-flight run handle with an optional buffered metric pipeline.

package tracking

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/store"
)

// ActiveRun is a handle on a run the client started and has not yet
// finalized. All methods are safe for concurrent use.
//
// With WithBufferedMetrics, LogMetric enqueues instead of writing and a
// single pump goroutine drains the queue in submission order. End, Fail,
// and Kill stop the pipeline; errors the pump hit surface on that call.
type ActiveRun struct {
	client       *Client
	id           jsonldb.ID
	experimentID jsonldb.ID

	// sendMu fences buffered sends against the channel close in finish:
	// senders hold the read side for the whole send, finish takes the
	// write side before closing buf.
	sendMu  sync.RWMutex
	ended   bool
	discard atomic.Bool

	buf        chan store.MetricPoint
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	pumpErrs   []error // owned by the pump goroutine until pumpDone closes
}

// ID returns the run's identifier.
func (r *ActiveRun) ID() jsonldb.ID {
	return r.id
}

// ExperimentID returns the owning experiment's identifier.
func (r *ActiveRun) ExperimentID() jsonldb.ID {
	return r.experimentID
}

// Run returns a snapshot of the run record, metric series included.
func (r *ActiveRun) Run() (*store.Run, error) {
	return r.client.store.Runs.Get(r.id)
}

// LogParam records one write-once parameter.
func (r *ActiveRun) LogParam(ctx context.Context, key, value string) error {
	return r.LogParams(ctx, map[string]string{key: value})
}

// LogParams records a batch of write-once parameters.
func (r *ActiveRun) LogParams(ctx context.Context, params map[string]string) error {
	start := time.Now()
	err := r.client.store.Runs.LogParams(ctx, r.id, params)
	r.client.observe("log_params", start, err)
	return err
}

// SetTag sets or overwrites one mutable tag.
func (r *ActiveRun) SetTag(ctx context.Context, key, value string) error {
	return r.SetTags(ctx, map[string]string{key: value})
}

// SetTags sets or overwrites a batch of mutable tags.
func (r *ActiveRun) SetTags(ctx context.Context, tags map[string]string) error {
	start := time.Now()
	err := r.client.store.Runs.SetTags(ctx, r.id, tags)
	r.client.observe("set_tag", start, err)
	return err
}

// LogMetric records one metric sample. A zero timestamp is stamped at
// submission, not at flush, so buffered points keep their caller time.
//
// On a buffered run a full queue blocks until the pump frees a slot or ctx
// is done. Once the run is finalized, appends go straight to the store,
// which rejects them.
func (r *ActiveRun) LogMetric(ctx context.Context, point store.MetricPoint) error {
	if point.Timestamp.IsZero() {
		point.Timestamp = store.Now()
	}
	if r.buf == nil {
		return r.logDirect(ctx, point)
	}
	r.sendMu.RLock()
	if r.ended {
		r.sendMu.RUnlock()
		return r.logDirect(ctx, point)
	}
	select {
	case r.buf <- point:
		r.sendMu.RUnlock()
		return nil
	case <-ctx.Done():
		r.sendMu.RUnlock()
		return store.StorageFailure("metric append interrupted", ctx.Err())
	}
}

func (r *ActiveRun) logDirect(ctx context.Context, point store.MetricPoint) error {
	start := time.Now()
	err := r.client.store.Runs.LogMetric(ctx, r.id, point)
	r.client.observe("log_metric", start, err)
	if err == nil {
		r.client.countMetricPoints(1)
	}
	return err
}

// PutArtifact stores the content read from rd under path on the run.
func (r *ActiveRun) PutArtifact(ctx context.Context, path string, rd io.Reader, opts *store.PutArtifactOptions) (*store.Artifact, error) {
	start := time.Now()
	a, err := r.client.store.Artifacts.Put(ctx, r.id, path, rd, opts)
	r.client.observe("put_artifact", start, err)
	if err != nil {
		return nil, err
	}
	r.client.countArtifact(a.Size)
	return a, nil
}

// End finalizes the run as finished. On a buffered run the queue is flushed
// first, and any errors the pump collected are joined into the result.
// Ending twice fails with InvalidState from the store.
func (r *ActiveRun) End(ctx context.Context) error {
	return r.finish(ctx, store.RunFinished)
}

// Fail finalizes the run as failed, flushing buffered metrics like End.
func (r *ActiveRun) Fail(ctx context.Context) error {
	return r.finish(ctx, store.RunFailed)
}

// Kill finalizes the run as killed. Metric points still queued in a
// buffered pipeline are dropped, not flushed, and a pump blocked on pacing
// is released immediately.
func (r *ActiveRun) Kill(ctx context.Context) error {
	r.discard.Store(true)
	if r.pumpCancel != nil {
		r.pumpCancel()
	}
	return r.finish(ctx, store.RunKilled)
}

func (r *ActiveRun) finish(ctx context.Context, status store.RunStatus) error {
	r.sendMu.Lock()
	first := !r.ended
	r.ended = true
	if first && r.buf != nil {
		close(r.buf)
	}
	r.sendMu.Unlock()

	var errs []error
	if r.buf != nil {
		<-r.pumpDone
		r.pumpCancel()
		if first {
			errs = r.pumpErrs
		}
	}
	start := time.Now()
	_, err := r.client.store.Runs.SetStatus(ctx, r.id, status)
	r.client.observe("finish_run", start, err)
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// pump drains the metric buffer until it closes, batching whatever is
// queued into single appends. Points stay in submission order: there is
// exactly one pump per run and the channel is FIFO.
func (r *ActiveRun) pump() {
	defer close(r.pumpDone)
	for point := range r.buf {
		batch := append(make([]store.MetricPoint, 0, cap(r.buf)), point)
		for more := true; more && len(batch) < cap(batch); {
			select {
			case p, ok := <-r.buf:
				if ok {
					batch = append(batch, p)
				}
				more = ok
			default:
				more = false
			}
		}
		r.flush(batch)
	}
}

func (r *ActiveRun) flush(batch []store.MetricPoint) {
	if r.discard.Load() {
		return
	}
	start := time.Now()
	if err := r.client.pacer.Wait(r.pumpCtx, pacingKey(r.id)); err != nil {
		if !r.discard.Load() {
			r.pumpErrs = append(r.pumpErrs, err)
		}
		return
	}
	err := r.client.store.Runs.LogMetrics(r.pumpCtx, r.id, batch)
	r.client.observe("log_metric", start, err)
	if err != nil {
		r.pumpErrs = append(r.pumpErrs, err)
		return
	}
	r.client.countMetricPoints(len(batch))
}
