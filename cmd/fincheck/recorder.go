package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.AttemptRecorder = (*jsonlRecorder)(nil)

// jsonlRecorder writes one JSON object per attempt record.
type jsonlRecorder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLRecorder(w io.Writer) *jsonlRecorder {
	return &jsonlRecorder{enc: json.NewEncoder(w)}
}

func (r *jsonlRecorder) Record(ctx context.Context, rec domain.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return eris.Wrapf(err, "record attempt %s", rec.ID)
	}
	return nil
}
