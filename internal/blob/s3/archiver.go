package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	archivePrefix       = "archive/trades/"
	defaultArchiveBatch = 500
)

// ArchiverConfig controls the cold-storage sweep.
type ArchiverConfig struct {
	// Retention is how long finished trades stay in the database.
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
}

// Archiver implements domain.Archiver. It moves finished, non-stranded
// trades from the trade store into JSON-lines objects and deletes them from
// the store only after the upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades domain.TradeStore
	audit  domain.AuditStore
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, trades domain.TradeStore, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultArchiveBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Archiver{
		writer: writer,
		reader: reader,
		trades: trades,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveTrades moves every finished trade completed before the cutoff, one
// batch per object, and returns how many were archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	var paths []string
	for {
		batch, err := a.trades.ListCompletedBefore(ctx, before, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive list: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}
		path := archivePath(batch[0])
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}

		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
		}
		n, err := a.trades.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive delete after %s: %w", path, err)
		}
		total += n
		paths = append(paths, path)

		if len(batch) < a.cfg.BatchSize {
			break
		}
	}

	if total > 0 && a.audit != nil {
		if err := a.audit.Log(ctx, "archive_trades", map[string]any{
			"count":   total,
			"objects": paths,
			"before":  before.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive audit: %w", err)
		}
	}
	return total, nil
}

// Run sweeps every Interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.ArchiveTrades(ctx, a.now().Add(-a.cfg.Retention))
			if err != nil {
				a.logger.ErrorContext(ctx, "archive sweep failed", slog.Int64("archived", n), slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "trades archived", slog.Int64("archived", n))
			}
		}
	}
}

// Objects lists archive objects, oldest key first.
func (a *Archiver) Objects(ctx context.Context) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, archivePrefix)
}

// Load reads the trades stored in one archive object.
func (a *Archiver) Load(ctx context.Context, path string) ([]domain.Trade, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.Trade
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var t domain.Trade
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return out, nil
}

// archivePath partitions objects by completion day of the batch's first
// trade, e.g. archive/trades/2025/01/31/093000-<id>.jsonl.
func archivePath(first domain.Trade) string {
	at := first.UpdatedAt
	if first.CompletedAt != nil {
		at = *first.CompletedAt
	}
	at = at.UTC()
	return fmt.Sprintf("%s%s/%s-%s.jsonl", archivePrefix, at.Format("2006/01/02"), at.Format("150405"), first.ID)
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("no records")
	}
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

var _ domain.Archiver = (*Archiver)(nil)
