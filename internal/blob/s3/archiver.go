package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentimarket/probengine/internal/domain"
)

// SnapshotArchiveStore is the narrow slice of the probability store the
// archiver needs: time-ranged reads plus the deletion that runs only after
// the archive upload has succeeded.
type SnapshotArchiveStore interface {
	ListSnapshotsBefore(ctx context.Context, before time.Time, limit int) ([]domain.ProbabilitySnapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error)
}

// SnapshotArchiver implements domain.Archiver by moving aged probability
// snapshots from PostgreSQL to S3 JSONL objects. Rows are deleted from the
// primary store only after the upload and audit entry have succeeded, so a
// failed run leaves history intact and the next run retries the same window.
type SnapshotArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  SnapshotArchiveStore
	audit  domain.AuditStore
}

// NewSnapshotArchiver creates a SnapshotArchiver. reader may be nil; when set,
// the archiver re-checks the uploaded object before deleting any rows.
func NewSnapshotArchiver(writer domain.BlobWriter, reader domain.BlobReader, store SnapshotArchiveStore, audit domain.AuditStore) *SnapshotArchiver {
	return &SnapshotArchiver{
		writer: writer,
		reader: reader,
		store:  store,
		audit:  audit,
	}
}

var _ domain.Archiver = (*SnapshotArchiver)(nil)

// ArchiveSnapshots uploads every snapshot older than the cutoff to
// archive/snapshots/YYYY-MM-DD.jsonl, records the archival in the audit log,
// then deletes the archived rows. It returns the number of rows archived.
func (a *SnapshotArchiver) ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error) {
	snaps, err := a.store.ListSnapshotsBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots query: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(snaps)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots upload: %w", err)
	}

	if a.reader != nil {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive snapshots verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive snapshots verify: object %s missing after upload", path)
		}
	}

	count := int64(len(snaps))

	if err := a.audit.Log(ctx, "archive.snapshots", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots audit log: %w", err)
	}

	if _, err := a.store.DeleteSnapshotsBefore(ctx, before); err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots delete: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// cutoff date.
//
//	archive/snapshots/2026-08-01.jsonl
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/snapshots/%s.jsonl", before.Format("2006-01-02"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
