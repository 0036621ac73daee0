// Package ingest handles batch ingestion: raw rows are bulk-loaded into a
// staging table first, then transformed through the normalizer / resolver /
// recorder pipeline in a single pass, attaching conversations as part of each
// accepted record. A batch never hard-stops on one bad record.
package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/record"
	"github.com/lexfabric/commsledger/internal/recorder"
	"github.com/lexfabric/commsledger/internal/state"
)

// Staging row statuses.
const (
	statusPending   = "pending"
	statusRecorded  = "recorded"
	statusDuplicate = "duplicate"
	statusError     = "error"
)

// Report summarizes one batch ingestion run.
type Report struct {
	Source            string   `json:"source"`
	Processed         int      `json:"processed"`
	Duplicates        int      `json:"duplicates"`
	Errors            int      `json:"errors"`
	FailedExternalIDs []string `json:"failed_external_ids,omitempty"`
	Duration          string   `json:"duration,omitempty"`
}

// Stage bulk-loads raw records for a source into the staging table without
// touching the live tables. Rows that fail validation are still staged; they
// surface as per-row errors during Transform.
func Stage(ctx context.Context, database *sql.DB, source record.Source, inputs []record.Input) (int, error) {
	if _, err := record.ParseSource(string(source)); err != nil {
		return 0, err
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return 0, &record.StorageError{Op: "stage begin", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staging_records (id, source, external_id, payload_json, status, staged_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`)
	if err != nil {
		return 0, &record.StorageError{Op: "stage prepare", Err: err}
	}
	defer stmt.Close()

	now := time.Now().Unix()
	staged := 0
	for _, in := range inputs {
		payload, err := json.Marshal(in)
		if err != nil {
			return staged, fmt.Errorf("failed to marshal staging payload: %w", err)
		}
		var externalVal any
		if in.ExternalID != "" {
			externalVal = in.ExternalID
		}
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), string(source), externalVal, string(payload), now); err != nil {
			return staged, &record.StorageError{Op: "stage insert", Err: err}
		}
		staged++
	}

	if err := tx.Commit(); err != nil {
		return 0, &record.StorageError{Op: "stage commit", Err: err}
	}
	return staged, nil
}

// Transform runs every pending staged row for a source through the recorder
// pipeline. Each row is marked recorded, duplicate, or error; storage-level
// failures are fatal to the single row, never to the batch.
func Transform(ctx context.Context, database *sql.DB, source record.Source) (Report, error) {
	start := time.Now()
	report := Report{Source: string(source)}

	rows, err := database.QueryContext(ctx, `
		SELECT id, external_id, payload_json
		FROM staging_records
		WHERE source = ? AND status = 'pending'
		ORDER BY staged_at, id
	`, string(source))
	if err != nil {
		return report, &record.StorageError{Op: "staging scan", Err: err}
	}

	type stagedRow struct {
		id         string
		externalID string
		payload    string
	}
	var staged []stagedRow
	for rows.Next() {
		var r stagedRow
		var externalID sql.NullString
		if err := rows.Scan(&r.id, &externalID, &r.payload); err != nil {
			rows.Close()
			return report, &record.StorageError{Op: "staging scan", Err: err}
		}
		if externalID.Valid {
			r.externalID = externalID.String
		}
		staged = append(staged, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, &record.StorageError{Op: "staging scan", Err: err}
	}
	rows.Close()

	for _, r := range staged {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		var in record.Input
		if err := json.Unmarshal([]byte(r.payload), &in); err != nil {
			report.Errors++
			report.FailedExternalIDs = append(report.FailedExternalIDs, r.externalID)
			markStaged(ctx, database, r.id, statusError, "", fmt.Sprintf("bad payload: %v", err))
			continue
		}
		in.Source = source

		rec, err := recorder.Record(ctx, database, in)
		switch {
		case err != nil:
			report.Errors++
			report.FailedExternalIDs = append(report.FailedExternalIDs, r.externalID)
			markStaged(ctx, database, r.id, statusError, "", err.Error())
		case rec == nil:
			report.Duplicates++
			markStaged(ctx, database, r.id, statusDuplicate, "", "")
		default:
			report.Processed++
			markStaged(ctx, database, r.id, statusRecorded, rec.MessageID, "")
		}
	}

	report.Duration = time.Since(start).String()
	_ = state.Set(ctx, database, string(source), "last_transform_at", time.Now().Format(time.RFC3339))
	return report, nil
}

func markStaged(ctx context.Context, database *sql.DB, stagingID, status, messageID, errText string) {
	var msgVal, errVal any
	if messageID != "" {
		msgVal = messageID
	}
	if errText != "" {
		errVal = errText
	}
	_, _ = database.ExecContext(ctx, `
		UPDATE staging_records
		SET status = ?, message_id = ?, error = ?, processed_at = ?
		WHERE id = ?
	`, status, msgVal, errVal, time.Now().Unix(), stagingID)
}

// IngestBatch stages then transforms a batch in one call.
func IngestBatch(ctx context.Context, database *sql.DB, source record.Source, inputs []record.Input) (Report, error) {
	if _, err := Stage(ctx, database, source, inputs); err != nil {
		return Report{Source: string(source)}, err
	}
	return Transform(ctx, database, source)
}

// IngestAll transforms pending staged rows for every source concurrently, one
// worker per source. Cross-source ordering is free; rows within one source
// stay sequential so conversation activity advances roughly chronologically.
func IngestAll(ctx context.Context, database *sql.DB, sources []record.Source) ([]Report, error) {
	reports := make([]Report, len(sources))
	errs := make([]error, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src record.Source) {
			defer wg.Done()
			reports[i], errs[i] = Transform(ctx, database, src)
		}(i, src)
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}

// ReadNDJSON parses newline-delimited JSON records from r. Lines that fail to
// parse are returned as a count so callers can report them without aborting.
func ReadNDJSON(r io.Reader) ([]record.Input, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var inputs []record.Input
	badLines := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in record.Input
		if err := json.Unmarshal(line, &in); err != nil {
			badLines++
			continue
		}
		inputs = append(inputs, in)
	}
	if err := scanner.Err(); err != nil {
		return inputs, badLines, fmt.Errorf("failed to read records: %w", err)
	}
	return inputs, badLines, nil
}

// IngestFile stages and transforms an NDJSON file of records. Records may mix
// sources; they are grouped per source and transformed source by source.
func IngestFile(ctx context.Context, database *sql.DB, path string) ([]Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	inputs, _, err := ReadNDJSON(f)
	if err != nil {
		return nil, err
	}

	bySource := make(map[record.Source][]record.Input)
	var order []record.Source
	for _, in := range inputs {
		if _, ok := bySource[in.Source]; !ok {
			order = append(order, in.Source)
		}
		bySource[in.Source] = append(bySource[in.Source], in)
	}

	var reports []Report
	for _, src := range order {
		report, err := IngestBatch(ctx, database, src, bySource[src])
		if err != nil {
			var verr *record.ValidationError
			if errors.As(err, &verr) {
				// An unknown source fails the whole group at staging; count
				// its rows as errors and keep going with the next source.
				report.Errors += len(bySource[src])
				for _, in := range bySource[src] {
					report.FailedExternalIDs = append(report.FailedExternalIDs, in.ExternalID)
				}
				reports = append(reports, report)
				continue
			}
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
