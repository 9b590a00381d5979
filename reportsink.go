package ragicsync

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// gcsReportSink writes rejected records to a bucket as JSON lines, one object
// per sheet per run, so bad source data can be inspected after the fact.
type gcsReportSink struct {
	client *storage.Client
	bucket string
}

func newGCSReportSink(ctx context.Context, bucket string) (reportSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to build storage client: %w", err)
	}
	return &gcsReportSink{client: client, bucket: bucket}, nil
}

func (s *gcsReportSink) WriteInvalid(ctx context.Context, runID, sheetCode string, recs []InvalidRecord) error {
	if len(recs) == 0 {
		return nil
	}

	name := fmt.Sprintf("invalid/%s/%s.jsonl", runID, sheetCode)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"

	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			w.Close()
			return xerrors.Errorf("failed to encode rejected record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return xerrors.Errorf("failed to write gs://%s/%s: %w", s.bucket, name, err)
	}

	log.Ctx(ctx).Info().
		Str("object", fmt.Sprintf("gs://%s/%s", s.bucket, name)).
		Int("records", len(recs)).
		Msg("wrote rejected records")
	return nil
}
