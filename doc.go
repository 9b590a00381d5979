/*

Package ragicsync incrementally backs up Ragic sheets into a BigQuery table.

Each run fetches the records modified since the destination's watermark,
maps their localized field names to a canonical schema, coerces values to
the destination types, and reconciles the batch into the table with a keyed
merge. Sheets are processed independently; one failing sheet never blocks
the others.

Getting started

Configure through the environment and run everything:

	package main

	import (
		"context"
		"os"

		"github.com/datasync-tw/ragicsync"
	)

	func main() {
		ctx := context.Background()

		cfg, err := ragicsync.ConfigFromEnv()
		if err != nil {
			panic(err)
		}

		syncer, err := ragicsync.New(ctx, cfg)
		if err != nil {
			panic(err)
		}

		summary, err := syncer.Run(ctx, ragicsync.RunRequest{})
		if err != nil {
			panic(err)
		}
		if summary.Status != ragicsync.StatusOK {
			os.Exit(1)
		}
	}

The cmd/ragicsync CLI wraps the same entrypoints for scheduled and ad-hoc
runs, and Sync in this package is a ready-made Cloud Functions entrypoint
triggered from Pub/Sub.

*/
package ragicsync
