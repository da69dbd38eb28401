package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// SettlementArchiver exports completed settlement batches to object storage:
// the batch summary, its claims, and the market's full trade tape as JSONL.
// Archival is an audit export; the primary store remains the source of
// truth and nothing is deleted here.
//
// Key layout:
//
//	settlements/{marketID}/{batchID}/batch.json
//	settlements/{marketID}/{batchID}/claims.jsonl
//	settlements/{marketID}/{batchID}/trades.jsonl
type SettlementArchiver struct {
	writer *Writer
	trades domain.TradeStore
}

// NewSettlementArchiver creates a SettlementArchiver.
func NewSettlementArchiver(writer *Writer, trades domain.TradeStore) *SettlementArchiver {
	return &SettlementArchiver{writer: writer, trades: trades}
}

// ArchiveSettlement uploads the batch summary, claims, and trade tape.
func (a *SettlementArchiver) ArchiveSettlement(ctx context.Context, market domain.Market, batch domain.SettlementBatch, claims []domain.SettlementClaim) error {
	prefix := fmt.Sprintf("settlements/%s/%s", market.ID, batch.ID)

	summary, err := json.Marshal(struct {
		Batch    domain.SettlementBatch `json:"batch"`
		Question string                 `json:"question"`
		Outcomes []string               `json:"outcomes"`
		Archived time.Time              `json:"archived_at"`
	}{batch, market.Question, market.Outcomes, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("s3blob: marshal batch summary: %w", err)
	}
	if err := a.writer.Put(ctx, prefix+"/batch.json", bytes.NewReader(summary), "application/json"); err != nil {
		return err
	}

	claimLines, err := marshalJSONL(claims)
	if err != nil {
		return fmt.Errorf("s3blob: marshal claims: %w", err)
	}
	if err := a.writer.Put(ctx, prefix+"/claims.jsonl", bytes.NewReader(claimLines), "application/x-ndjson"); err != nil {
		return err
	}

	tape, err := a.trades.ListByMarket(ctx, market.ID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("s3blob: list trade tape: %w", err)
	}
	tapeLines, err := marshalJSONL(tape)
	if err != nil {
		return fmt.Errorf("s3blob: marshal trade tape: %w", err)
	}
	if err := a.writer.Put(ctx, prefix+"/trades.jsonl", bytes.NewReader(tapeLines), "application/x-ndjson"); err != nil {
		return err
	}

	return nil
}

// marshalJSONL serialises a slice of values as newline-delimited JSON, one
// compact line per element.
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
