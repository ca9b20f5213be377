package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MaintenanceResult reports what one maintenance tick did, so the
// supervisor can emit a MaintenanceEvent (spec.md §5).
type MaintenanceResult struct {
	Expired  int64
	Archived int64
	Dropped  int64
}

// RunMaintenance runs the three-pass maintenance tick: expire
// timed-out active jobs, archive terminal jobs past their retention
// window, then drop archive rows past the drop horizon. Completed/
// cancelled jobs use archiveAfter; failed jobs use their own
// archiveFailedAfter window (spec.md §4.3/§6's distinct failed-archival
// interval). Grounded on the teacher's scheduled-job-expiry pattern,
// reshaped around spec.md §5's three named passes.
func (s *Store) RunMaintenance(ctx context.Context, archiveAfter, archiveFailedAfter, dropAfter time.Duration) (MaintenanceResult, error) {
	var res MaintenanceResult

	expTag, err := s.pool.Exec(ctx, qExpireActive, timeoutOutputJSON())
	if err != nil {
		return res, fmt.Errorf("expire active jobs: %w", err)
	}
	res.Expired = expTag.RowsAffected()

	completedTag, err := s.pool.Exec(ctx, qArchiveCompleted, int(archiveAfter.Seconds()))
	if err != nil {
		return res, fmt.Errorf("archive completed/cancelled jobs: %w", err)
	}
	failedTag, err := s.pool.Exec(ctx, qArchiveFailed, int(archiveFailedAfter.Seconds()))
	if err != nil {
		return res, fmt.Errorf("archive failed jobs: %w", err)
	}
	res.Archived = completedTag.RowsAffected() + failedTag.RowsAffected()

	dropTag, err := s.pool.Exec(ctx, qDropArchived, int(dropAfter.Seconds()))
	if err != nil {
		return res, fmt.Errorf("drop archived jobs: %w", err)
	}
	res.Dropped = dropTag.RowsAffected()

	return res, nil
}

func timeoutOutputJSON() []byte {
	return []byte(`{"error": "job exceeded expire_in_seconds and was failed by timeout"}`)
}

// MonitorStates returns the per-queue, per-state job counts the
// monitor tick publishes as a MonitorStatesEvent (spec.md §5).
func (s *Store) MonitorStates(ctx context.Context) (map[string]map[string]int64, error) {
	rows, err := s.pool.Query(ctx, qMonitorByQueueState)
	if err != nil {
		return nil, fmt.Errorf("monitor states: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int64)
	for rows.Next() {
		var name, state string
		var n int64
		if err := rows.Scan(&name, &state, &n); err != nil {
			return nil, fmt.Errorf("scan monitor row: %w", err)
		}
		byState, ok := counts[name]
		if !ok {
			byState = make(map[string]int64)
			counts[name] = byState
		}
		byState[state] = n
	}
	return counts, rows.Err()
}

// BlobOffloader moves oversized archived job documents out of
// Postgres and into S3, leaving a small JSON reference behind. This
// is a SPEC_FULL.md supplement: adapted from the teacher's S3 upload
// client, repurposed from image storage to archive blob offload since
// payloads here are opaque JSON documents rather than images.
type BlobOffloader struct {
	client    *s3.Client
	bucket    string
	threshold int
}

// NewBlobOffloader wraps an s3 client. threshold is the byte size
// (measured on the JSON text) above which data/output are offloaded.
func NewBlobOffloader(client *s3.Client, bucket string, threshold int) *BlobOffloader {
	return &BlobOffloader{client: client, bucket: bucket, threshold: threshold}
}

type blobRef struct {
	Offloaded bool   `json:"offloaded"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
}

// OffloadRecentlyArchived scans archive rows written in the last
// minute (which covers the rows the same maintenance tick just
// archived) and replaces any oversized data/output
// column with a blobRef pointing at the uploaded object. Disabled
// entirely when threshold <= 0 (spec.md's Config.BlobOffloadBytes).
func (s *Store) OffloadRecentlyArchived(ctx context.Context, off *BlobOffloader) error {
	if off == nil || off.threshold <= 0 {
		return nil
	}

	rows, err := s.pool.Query(ctx, qSelectOffloadCandidates, off.threshold)
	if err != nil {
		return fmt.Errorf("select offload candidates: %w", err)
	}

	type candidate struct {
		id, name      string
		data, output []byte
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.name, &c.data, &c.output); err != nil {
			rows.Close()
			return fmt.Errorf("scan offload candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range candidates {
		newData, err := off.offloadIfLarge(ctx, c.name, c.id, "data", c.data)
		if err != nil {
			return err
		}
		newOutput, err := off.offloadIfLarge(ctx, c.name, c.id, "output", c.output)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, qUpdateArchiveBlobRef, c.id, newData, newOutput); err != nil {
			return fmt.Errorf("update archive blob ref for %s: %w", c.id, err)
		}
	}
	return nil
}

func (off *BlobOffloader) offloadIfLarge(ctx context.Context, queue, id, field string, payload []byte) ([]byte, error) {
	if len(payload) <= off.threshold {
		return payload, nil
	}

	key := fmt.Sprintf("%s/%s/%s.json", queue, id, field)
	_, err := off.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(off.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("put offload object %s: %w", key, err)
	}

	ref, err := json.Marshal(blobRef{Offloaded: true, Bucket: off.bucket, Key: key})
	if err != nil {
		return nil, fmt.Errorf("marshal blob ref: %w", err)
	}
	return ref, nil
}
