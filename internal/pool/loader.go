package pool

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// LoadFromFile streams a newline-delimited address file into the pool using
// the same validation, dedup and batching as Ingest. Files far larger than
// memory are fine; only one batch is held at a time.
func (s *Service) LoadFromFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.ingestLines(ctx, f)
}

func (s *Service) ingestLines(ctx context.Context, r io.Reader) (int, error) {
	inserted := 0
	batch := make([]string, 0, s.batchSize)
	batchIdx := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !ValidEmail(line) {
			continue
		}
		batch = append(batch, line)
		if len(batch) >= s.batchSize {
			n, err := s.insertBatch(ctx, batch)
			if err != nil {
				return inserted, &BatchError{Batch: batchIdx, Err: err}
			}
			inserted += n
			batchIdx++
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return inserted, err
	}
	if len(batch) > 0 {
		n, err := s.insertBatch(ctx, batch)
		if err != nil {
			return inserted, &BatchError{Batch: batchIdx, Err: err}
		}
		inserted += n
	}

	if s.metrics != nil {
		s.metrics.IngestRowsTotal.Add(float64(inserted))
	}
	s.logger.Info("file load", zap.Int("inserted", inserted))
	return inserted, nil
}

// Export writes every address one per line in insertion order and returns
// the number written.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM emails ORDER BY id;`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	count := 0
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return count, err
		}
		if _, err := bw.WriteString(email + "\n"); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}
	if err := bw.Flush(); err != nil {
		return count, err
	}
	return count, nil
}
