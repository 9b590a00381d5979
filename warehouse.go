package ragicsync

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// warehouse is the narrow contract the pipeline needs from the destination:
// ensure tables exist, bulk-append rows, and run parameterized SQL. The
// default implementation speaks BigQuery; tests fake it.
type warehouse interface {
	EnsureTable(ctx context.Context, table string, schema Schema) error
	CreateTable(ctx context.Context, table string, schema Schema, expiration time.Duration) error
	DeleteTable(ctx context.Context, table string) error
	TableColumns(ctx context.Context, table string) ([]string, error)
	LoadRows(ctx context.Context, table string, rows []Record, schema Schema) error
	Exec(ctx context.Context, query string, params map[string]any) (int64, error)
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	TableRef(table string) string
	Ping(ctx context.Context) error
}

// Batch DML against the destination is minutes-scale work, not seconds.
const queryTimeout = 10 * time.Minute

type bqWarehouse struct {
	client   *bigquery.Client
	project  string
	dataset  string
	location string
}

func newBQWarehouse(ctx context.Context, project, dataset, location string) (warehouse, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, xerrors.Errorf("failed to build bigquery client for %s: %w", project, err)
	}
	return &bqWarehouse{client: client, project: project, dataset: dataset, location: location}, nil
}

func (w *bqWarehouse) TableRef(table string) string {
	return w.project + "." + w.dataset + "." + table
}

func (w *bqWarehouse) Ping(ctx context.Context) error {
	it := w.client.Datasets(ctx)
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return xerrors.Errorf("warehouse unreachable: %w", err)
	}
	return nil
}

func (w *bqWarehouse) ensureDataset(ctx context.Context) error {
	ds := w.client.Dataset(w.dataset)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	}
	md := &bigquery.DatasetMetadata{Location: w.location}
	if err := ds.Create(ctx, md); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return xerrors.Errorf("failed to create dataset %s: %w", w.dataset, err)
	}
	return nil
}

func (w *bqWarehouse) EnsureTable(ctx context.Context, table string, schema Schema) error {
	if err := w.ensureDataset(ctx); err != nil {
		return err
	}

	t := w.client.Dataset(w.dataset).Table(table)
	if _, err := t.Metadata(ctx); err == nil {
		return nil
	}
	md := &bigquery.TableMetadata{Schema: schema.ToBigQuery()}
	if err := t.Create(ctx, md); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return xerrors.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (w *bqWarehouse) CreateTable(ctx context.Context, table string, schema Schema, expiration time.Duration) error {
	md := &bigquery.TableMetadata{Schema: schema.ToBigQuery()}
	if expiration > 0 {
		md.ExpirationTime = time.Now().Add(expiration)
	}
	if err := w.client.Dataset(w.dataset).Table(table).Create(ctx, md); err != nil {
		return xerrors.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (w *bqWarehouse) DeleteTable(ctx context.Context, table string) error {
	if err := w.client.Dataset(w.dataset).Table(table).Delete(ctx); err != nil {
		return xerrors.Errorf("failed to delete table %s: %w", table, err)
	}
	return nil
}

func (w *bqWarehouse) TableColumns(ctx context.Context, table string) ([]string, error) {
	md, err := w.client.Dataset(w.dataset).Table(table).Metadata(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read schema of %s: %w", table, err)
	}
	cols := make([]string, len(md.Schema))
	for i, f := range md.Schema {
		cols[i] = f.Name
	}
	return cols, nil
}

// LoadRows appends rows through a JSON load job, the batch path, rather than
// the streaming inserter: load jobs are atomic per call and free to retry.
func (w *bqWarehouse) LoadRows(ctx context.Context, table string, rows []Record, schema Schema) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return xerrors.Errorf("failed to encode row: %w", err)
		}
	}

	rs := bigquery.NewReaderSource(buf)
	rs.SourceFormat = bigquery.JSON
	rs.Schema = schema.ToBigQuery()

	loader := w.client.Dataset(w.dataset).Table(table).LoaderFrom(rs)
	loader.WriteDisposition = bigquery.WriteAppend

	job, err := loader.Run(ctx)
	if err != nil {
		return xerrors.Errorf("failed to start load job for %s: %w", table, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("failed to wait for load job for %s: %w", table, err)
	}
	if status.Err() != nil {
		return xerrors.Errorf("load job for %s failed: %w", table, status.Err())
	}
	return nil
}

func (w *bqWarehouse) Exec(ctx context.Context, query string, params map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := w.client.Query(query)
	q.Parameters = toQueryParameters(params)

	job, err := q.Run(ctx)
	if err != nil {
		return 0, xerrors.Errorf("failed to start query job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, xerrors.Errorf("failed to wait for query job: %w", err)
	}
	if status.Err() != nil {
		return 0, xerrors.Errorf("query job failed: %w", status.Err())
	}

	if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return stats.NumDMLAffectedRows, nil
	}
	return 0, nil
}

func (w *bqWarehouse) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := w.client.Query(query)
	q.Parameters = toQueryParameters(params)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to run query: %w", err)
	}

	var out []map[string]any
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to read query result: %w", err)
		}
		m := make(map[string]any, len(row))
		for k, v := range row {
			m[k] = v
		}
		out = append(out, m)
	}
	return out, nil
}

func toQueryParameters(params map[string]any) []bigquery.QueryParameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]bigquery.QueryParameter, 0, len(params))
	for name, value := range params {
		out = append(out, bigquery.QueryParameter{Name: name, Value: value})
	}
	return out
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	if xerrors.As(err, &gerr) {
		return gerr.Code == 409
	}
	return false
}
