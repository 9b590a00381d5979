package ragicsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// When the destination holds nothing for a sheet, backfill this far.
const defaultLookback = 7 * 24 * time.Hour

// deriveWatermark computes the incremental lower bound for one sheet from the
// destination itself: the newest modification timestamp already stored, with
// created_at as a tiebreak for rows whose modification column never parsed.
// Stored values are civil source-zone strings, so the maximum is re-read in
// that zone before becoming a UTC instant. Any failure falls back to the
// default lookback; a broken watermark query must cost a wider fetch, not the
// run.
func deriveWatermark(ctx context.Context, wh warehouse, table, sheetCode string, now time.Time) time.Time {
	fallback := now.Add(-defaultLookback)

	query := fmt.Sprintf(
		"SELECT GREATEST(IFNULL(MAX(%s), TIMESTAMP('1970-01-01')), IFNULL(MAX(%s), TIMESTAMP('1970-01-01'))) AS high FROM %s WHERE %s = @sheet_code",
		quoteIdent(OrderColumn), quoteIdent("created_at"),
		quoteTable(wh.TableRef(table)), quoteIdent(SourceTableColumn))

	rows, err := wh.Query(ctx, query, map[string]any{"sheet_code": sheetCode})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("sheet_code", sheetCode).
			Time("fallback", fallback).
			Msg("watermark query failed, using default lookback")
		return fallback
	}
	if len(rows) == 0 {
		return fallback
	}

	high, ok := rows[0]["high"].(time.Time)
	if !ok || high.IsZero() || high.Year() <= 1970 {
		return fallback
	}

	// The stored column holds zoneless civil values the warehouse read back as
	// if they were UTC. Shift them into the source zone before comparing with
	// record times, which went through the same interpretation.
	civil := high.UTC().Format(timestampLayout)
	ts, err := time.ParseInLocation(timestampLayout, civil, sourceZone)
	if err != nil {
		return fallback
	}
	wm := ts.UTC()

	log.Ctx(ctx).Debug().
		Str("sheet_code", sheetCode).
		Time("watermark", wm).
		Msg("derived watermark")
	return wm
}
