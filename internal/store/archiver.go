package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/arman-rafiee/turnpipe/internal/pipeline"
)

// Indexer receives every persisted turn for the audit search index. Index
// failures are logged, not fatal: the archive on disk is the source of truth
// and the index can be rebuilt from it.
type Indexer interface {
	IndexTurn(meta Metadata, doc string) error
}

// TurnArchiver is the phase 7 implementation: document to the filesystem,
// metadata and claims to postgres, content to the search index. The database
// and index are optional; the filesystem archive is not.
type TurnArchiver struct {
	fs     *FSArchive
	db     *Store
	index  Indexer
	logger *log.Logger
}

func NewTurnArchiver(fs *FSArchive, db *Store, index Indexer, logger *log.Logger) (*TurnArchiver, error) {
	if fs == nil {
		return nil, fmt.Errorf("archiver requires a filesystem archive")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags)
	}
	return &TurnArchiver{fs: fs, db: db, index: index, logger: logger}, nil
}

// SaveTurn implements pipeline.Archiver.
func (t *TurnArchiver) SaveTurn(ctx context.Context, res pipeline.Result) error {
	dir, err := t.fs.Write(res)
	if err != nil {
		return fmt.Errorf("archiving turn %s/%d: %w", res.Turn.UserID, res.Turn.ID, err)
	}

	if t.db != nil {
		row := TurnRow{
			UserID:       res.Turn.UserID,
			TurnID:       res.Turn.ID,
			Mode:         string(res.Turn.Mode),
			Outcome:      string(res.Outcome),
			QualityScore: res.QualityScore,
			TokensUsed:   res.TokensUsed,
			CostUSD:      res.CostUSD,
			Warnings:     res.Warnings,
			ArchivePath:  dir,
			CreatedAt:    res.Turn.CreatedAt,
			ArchivedAt:   time.Now().UTC(),
		}
		if err := t.db.SaveTurn(ctx, row, claimRows(res)); err != nil {
			return fmt.Errorf("recording turn %s/%d: %w", res.Turn.UserID, res.Turn.ID, err)
		}
	}

	if t.index != nil {
		meta, err := t.fs.ReadMetadata(res.Turn.UserID, res.Turn.ID)
		if err == nil {
			var doc string
			doc, err = t.fs.ReadDocument(res.Turn.UserID, res.Turn.ID)
			if err == nil {
				err = t.index.IndexTurn(meta, doc)
			}
		}
		if err != nil {
			t.logger.Printf("indexing turn %s/%d failed: %v", res.Turn.UserID, res.Turn.ID, err)
		}
	}
	return nil
}

func claimRows(res pipeline.Result) []ClaimRow {
	if res.Document == nil {
		return nil
	}
	var rows []ClaimRow
	for _, sec := range res.Document.Sections() {
		for _, c := range sec.Claims {
			row := ClaimRow{
				UserID:     res.Turn.UserID,
				TurnID:     res.Turn.ID,
				Section:    sec.Index,
				Statement:  c.Statement,
				Confidence: c.Confidence,
				Source:     c.Source,
				RecordedAt: c.RecordedAt,
			}
			if c.TTL > 0 {
				exp := c.RecordedAt.Add(c.TTL)
				row.ExpiresAt = &exp
			}
			rows = append(rows, row)
		}
	}
	return rows
}
