package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// JSONL appends one JSON object per line to a local file.
type JSONL struct {
	mu      sync.Mutex
	f       *os.File
	enc     *json.Encoder
	columns []string
}

var _ Recorder = (*JSONL)(nil)

func OpenJSONL(path string) (*JSONL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("jsonl path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open jsonl")
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &JSONL{f: f, enc: enc}, nil
}

// EnsureHeader sets the keys used by AppendRow. Nothing is written.
func (j *JSONL) EnsureHeader(_ context.Context, columns []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.columns = append([]string(nil), columns...)
	return nil
}

// AppendRow writes values keyed by the header columns. Extra values land
// under col_<n>.
func (j *JSONL) AppendRow(ctx context.Context, values []string) error {
	j.mu.Lock()
	cols := j.columns
	j.mu.Unlock()

	rec := make(map[string]string, len(values))
	for i, v := range values {
		key := "col_" + strconv.Itoa(i)
		if i < len(cols) {
			key = cols[i]
		}
		rec[key] = v
	}
	return j.Append(ctx, rec)
}

// Append writes any JSON-encodable value as one line.
func (j *JSONL) Append(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	return errors.Wrap(j.enc.Encode(v), "append jsonl")
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
