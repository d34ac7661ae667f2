package autocrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackTable is a columnar table of strings, the shape used for qualitative
// artifacts such as sampled generations.
type TrackTable struct {
	Columns []string   `json:"columns"`
	Data    [][]string `json:"data"`
}

type trackEvent struct {
	RunID   string                 `json:"run_id"`
	Project string                 `json:"project"`
	Step    int                    `json:"step"`
	Time    time.Time              `json:"time"`
	Metrics map[string]any         `json:"metrics,omitempty"`
	Tables  map[string]*TrackTable `json:"tables,omitempty"`
}

// TrackRun records metrics and tables for one training run. With a tracking
// host configured events are POSTed to it; otherwise they are appended to a
// JSONL file under the run directory. Conventionally only rank 0 opens a run.
type TrackRun struct {
	ID      string
	Project string

	base *url.URL
	http *http.Client

	mu   sync.Mutex
	file *os.File
	step int
}

// InitTracking starts a run and logs the resolved config as its metadata.
func InitTracking(project string, config any, outputDir string) (*TrackRun, error) {
	run := &TrackRun{
		ID:      uuid.NewString(),
		Project: project,
		http:    http.DefaultClient,
	}
	if base := TrackHost(); base != nil {
		run.base = base
	} else {
		dir := filepath.Join(outputDir, "runs", run.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(filepath.Join(dir, "events.jsonl"))
		if err != nil {
			return nil, err
		}
		run.file = f
	}
	meta := map[string]any{"config": config}
	if err := run.emit(context.Background(), "runs", trackEvent{
		RunID:   run.ID,
		Project: project,
		Time:    time.Now().UTC(),
		Metrics: meta,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// Log records scalar metrics at the next step.
func (r *TrackRun) Log(ctx context.Context, metrics map[string]any) error {
	r.mu.Lock()
	r.step++
	step := r.step
	r.mu.Unlock()
	return r.emit(ctx, "events", trackEvent{
		RunID:   r.ID,
		Project: r.Project,
		Step:    step,
		Time:    time.Now().UTC(),
		Metrics: metrics,
	})
}

// LogTable records a named table artifact.
func (r *TrackRun) LogTable(ctx context.Context, name string, table *TrackTable) error {
	r.mu.Lock()
	r.step++
	step := r.step
	r.mu.Unlock()
	return r.emit(ctx, "events", trackEvent{
		RunID:   r.ID,
		Project: r.Project,
		Step:    step,
		Time:    time.Now().UTC(),
		Tables:  map[string]*TrackTable{name: table},
	})
}

// Finish closes the run.
func (r *TrackRun) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *TrackRun) emit(ctx context.Context, path string, ev trackEvent) error {
	if r.base != nil {
		return r.do(ctx, http.MethodPost, "/api/"+path, ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("tracking run %s is finished", r.ID)
	}
	enc := json.NewEncoder(r.file)
	return enc.Encode(ev)
}

func (r *TrackRun) do(ctx context.Context, method, path string, reqData any) error {
	data, err := json.Marshal(reqData)
	if err != nil {
		return err
	}
	requestURL := r.base.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	response, err := r.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("tracking host returned %d: %s", response.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
