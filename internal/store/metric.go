// Append-only per-run metric series, one JSON point per line.

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// MetricPoint is one sample in a run's named metric series. Repeated
// (name, step) pairs are distinct entries: a series is a log, not a map.
type MetricPoint struct {
	Name      string  `json:"name" jsonschema:"description=Series name"`
	Step      int64   `json:"step" jsonschema:"description=Caller-defined step counter"`
	Timestamp Time    `json:"ts" jsonschema:"description=Sample time in unix milliseconds"`
	Value     float64 `json:"value" jsonschema:"description=Sample value"`
}

// metricLog is a run's log-structured metric segment. Points are only ever
// appended, never rewritten, so logging a metric costs one write regardless
// of how many points the run has.
//
// Appends are not individually fsynced; the segment is synced when the run
// reaches a terminal status. A torn tail from a crash mid-append is skipped
// on read and truncated before the run's next append.
type metricLog struct {
	path string
}

func (l *metricLog) append(points []MetricPoint) error {
	var buf bytes.Buffer
	for i := range points {
		data, err := json.Marshal(&points[i])
		if err != nil {
			return fmt.Errorf("failed to marshal metric point: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open metric log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append metric points: %w", err)
	}
	return f.Close()
}

// sync flushes the segment to durable storage. Called on run finalization so
// a terminal run.json never refers to volatile metric data.
func (l *metricLog) sync() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			// No points were ever logged.
			return nil
		}
		return fmt.Errorf("failed to open metric log for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync metric log: %w", err)
	}
	return f.Close()
}

// readAll returns every point in append order. A torn final line is dropped;
// a malformed line elsewhere is corruption and errors out.
func (l *metricLog) readAll() ([]MetricPoint, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metric log: %w", err)
	}
	lines := bytes.Split(data, []byte("\n"))
	points := make([]MetricPoint, 0, len(lines))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		var p MetricPoint
		if err := json.Unmarshal(line, &p); err != nil {
			if i == len(lines)-1 {
				// Torn tail from a crash mid-append.
				break
			}
			return nil, fmt.Errorf("corrupt metric log at line %d: %w", i+1, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// count returns the number of complete points without parsing them. A torn
// tail left by a crash mid-append is truncated away so the next append starts
// on a clean line boundary instead of growing the damaged line.
func (l *metricLog) count() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read metric log: %w", err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(l.path, int64(keep)); err != nil {
			return 0, fmt.Errorf("failed to drop torn metric log tail: %w", err)
		}
		slog.Warn("Dropped torn metric log tail", "path", l.path, "bytes", n-keep)
		data = data[:keep]
	}
	return bytes.Count(data, []byte("\n")), nil
}

// seriesByName groups points into per-series sequences, append order
// preserved within each series.
func seriesByName(points []MetricPoint) map[string][]MetricPoint {
	if len(points) == 0 {
		return nil
	}
	m := make(map[string][]MetricPoint)
	for _, p := range points {
		m[p.Name] = append(m[p.Name], p)
	}
	return m
}

// latestByName returns the last appended point of each series.
func latestByName(points []MetricPoint) map[string]MetricPoint {
	m := make(map[string]MetricPoint, len(points))
	for _, p := range points {
		m[p.Name] = p
	}
	return m
}
