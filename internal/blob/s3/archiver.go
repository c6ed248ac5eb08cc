package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Days larger than this are uploaded with the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// Archiver copies closed trades to one JSONL object per UTC day:
//
//	trades/2026/03/02.jsonl
//
// Days already present in the bucket are skipped, so the archive is
// append-only and a rerun never rewrites history.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads every complete day strictly before the UTC day of
// before. It returns the number of trades uploaded.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Truncate(24 * time.Hour)
	trades, err := a.trades.ListTrades(ctx, domain.ListOpts{Until: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}

	byDay := make(map[string][]domain.TradeRecord)
	for _, t := range trades {
		byDay[t.Day()] = append(byDay[t.Day()], t)
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	var total int64
	for _, day := range days {
		path, err := archivePath(day)
		if err != nil {
			return total, err
		}
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s: %w", day, err)
		}
		if exists {
			continue
		}

		buf, err := marshalJSONL(byDay[day])
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", day, err)
		}
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", day, err)
		}

		n := int64(len(byDay[day]))
		total += n
		a.logger.InfoContext(ctx, "archived trades", slog.String("day", day), slog.Int64("count", n), slog.String("path", path))
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.trades", map[string]any{
				"path":  path,
				"day":   day,
				"count": n,
			}); err != nil {
				a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
			}
		}
	}
	return total, nil
}

func archivePath(day string) (string, error) {
	d, err := time.Parse(domain.DateLayout, day)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive day %q: %w", day, domain.ErrInvalidDate)
	}
	return "trades/" + d.Format("2006/01/02") + ".jsonl", nil
}

// marshalJSONL writes one compact JSON document per line.
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

var _ domain.Archiver = (*Archiver)(nil)
