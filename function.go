package ragicsync

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/functions/metadata"
	"golang.org/x/xerrors"
)

// PubSubMessage is the payload of a Pub/Sub-triggered function call. Data
// optionally carries a JSON-encoded run request.
type PubSubMessage struct {
	Data []byte `json:"data"`
}

// Sync is an entrypoint for Cloud Functions. The trigger message may carry a
// RunRequest; an empty message runs every sheet incrementally.
func Sync(ctx context.Context, m PubSubMessage) error {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return xerrors.Errorf("failed to load configuration: %w", err)
	}

	syncer, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	var req RunRequest
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return xerrors.Errorf("failed to decode run request: %w", err)
		}
	}

	// The run logger derives from this one, so the trigger's event id shows
	// up on every line the run emits.
	if md, err := metadata.FromContext(ctx); err == nil {
		logger := newLogger(false).With().Str("event_id", md.EventID).Logger()
		ctx = logger.WithContext(ctx)
	}

	summary, err := syncer.Run(ctx, req)
	if err != nil {
		return err
	}
	if summary.Status == StatusFailed {
		return xerrors.Errorf("all sheets failed in run %s", summary.RunID)
	}
	return nil
}
