package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// BetArchiveStore lists settled bets eligible for archiving.
type BetArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Bet, error)
}

// TransactionArchiveStore lists transactions eligible for archiving.
type TransactionArchiveStore interface {
	ListTransactionsBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error)
}

// Archiver implements domain.Archiver by serialising records to JSONL and
// uploading them. Records are copied, never deleted from the primary store.
// An object that already exists is not uploaded again.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	bets   BetArchiveStore
	txs    TransactionArchiveStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case every
// run uploads.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, bets BetArchiveStore, txs TransactionArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		bets:   bets,
		txs:    txs,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBets uploads bets settled before the cutoff to
// archive/bets/YYYY-MM/<cutoff>.jsonl.
func (a *Archiver) ArchiveBets(ctx context.Context, before time.Time) (int64, error) {
	bets, err := a.bets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bets query: %w", err)
	}
	return writeArchive(ctx, a, archivePath("bets", before), bets)
}

// ArchiveTransactions uploads transactions created before the cutoff to
// archive/transactions/YYYY-MM/<cutoff>.jsonl.
func (a *Archiver) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	txs, err := a.txs.ListTransactionsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	return writeArchive(ctx, a, archivePath("transactions", before), txs)
}

// ArchiveTicks uploads a contiguous slice of ledger ticks to
// archive/ticks/YYYY-MM-DD/<first>-<last>.jsonl.
func (a *Archiver) ArchiveTicks(ctx context.Context, ticks []domain.PriceTick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	return writeArchive(ctx, a, tickArchivePath(ticks), ticks)
}

func writeArchive[T any](ctx context.Context, a *Archiver, path string, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, err
		}
		if exists {
			a.logger.InfoContext(ctx, "archive already present, skipping", slog.String("path", path))
			return 0, nil
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", path, err)
	}
	if err := upload(ctx, a.writer, path, buf, jsonlContentType); err != nil {
		return 0, err
	}

	n := int64(len(records))
	a.logger.InfoContext(ctx, "archive uploaded",
		slog.String("path", path),
		slog.Int64("records", n),
		slog.Int("bytes", len(buf)),
	)
	return n, nil
}

// archivePath partitions by the cutoff's month and names the object after the
// cutoff itself, so repeated runs with the same cutoff map to one object.
//
//	archive/bets/2026-01/20260115T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

func tickArchivePath(ticks []domain.PriceTick) string {
	first, last := ticks[0], ticks[len(ticks)-1]
	return fmt.Sprintf("archive/ticks/%s/%012d-%012d.jsonl",
		first.Timestamp.UTC().Format("2006-01-02"), first.Tick, last.Tick)
}

// marshalJSONL encodes one compact JSON value per line.
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
