package search

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/arman-rafiee/turnpipe/internal/document"
	"github.com/arman-rafiee/turnpipe/internal/store"
)

// sectionDoc is what gets indexed: one document per non-empty section of an
// archived turn, identified as <user>/<turn>/<section>.
type sectionDoc struct {
	UserID     string    `json:"user_id"`
	TurnID     int64     `json:"turn_id"`
	Section    int       `json:"section"`
	Title      string    `json:"title"`
	Outcome    string    `json:"outcome"`
	Content    string    `json:"content"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Hit is one audit search result.
type Hit struct {
	UserID  string  `json:"user_id"`
	TurnID  int64   `json:"turn_id"`
	Section int     `json:"section"`
	Title   string  `json:"title"`
	Outcome string  `json:"outcome"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Index is the in-memory audit index over archived turns. It is rebuilt from
// the filesystem archive at startup and kept current by the archiver.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	docs   map[string]sectionDoc
	logger *log.Logger
}

func NewMemOnly(logger *log.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating audit index: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Index{idx: idx, docs: make(map[string]sectionDoc), logger: logger}, nil
}

func sectionID(userID string, turnID int64, section int) string {
	return fmt.Sprintf("%s/%d/%d", userID, turnID, section)
}

// IndexTurn implements store.Indexer: every non-empty section of the
// serialized document becomes one searchable entry.
func (x *Index) IndexTurn(meta store.Metadata, doc string) error {
	sections, err := store.ParseSections(doc)
	if err != nil {
		return fmt.Errorf("indexing turn %s/%d: %w", meta.UserID, meta.TurnID, err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, content := range sections {
		if content == "" {
			continue
		}
		id := sectionID(meta.UserID, meta.TurnID, i)
		entry := sectionDoc{
			UserID:     meta.UserID,
			TurnID:     meta.TurnID,
			Section:    i,
			Title:      document.SectionTitles[i],
			Outcome:    meta.Outcome,
			Content:    content,
			ArchivedAt: meta.ArchivedAt,
		}
		if err := x.idx.Index(id, entry); err != nil {
			return fmt.Errorf("indexing %s: %w", id, err)
		}
		x.docs[id] = entry
	}
	return nil
}

// Search runs a query-string search over indexed sections.
func (x *Index) Search(q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("audit search: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	var hits []Hit
	for _, h := range res.Hits {
		entry, ok := x.docs[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, toHit(entry, h.Score))
	}
	return hits, nil
}

// SearchUser runs a query-string search restricted to one user's turns. The
// underlying index ranks across all users, so result pages are fetched and
// filtered until the limit is satisfied or the results run out; a user's hits
// are never crowded out by higher-ranked hits belonging to other users.
func (x *Index) SearchUser(q, userID string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	hits := make([]Hit, 0, limit)
	page := limit * 4
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(query, page, from, false)
		res, err := x.idx.Search(req)
		if err != nil {
			return nil, fmt.Errorf("audit search: %w", err)
		}
		x.mu.RLock()
		for _, h := range res.Hits {
			entry, ok := x.docs[h.ID]
			if !ok || entry.UserID != userID {
				continue
			}
			hits = append(hits, toHit(entry, h.Score))
			if len(hits) == limit {
				break
			}
		}
		x.mu.RUnlock()
		if len(hits) == limit || len(res.Hits) < page {
			return hits, nil
		}
	}
}

func toHit(entry sectionDoc, score float64) Hit {
	return Hit{
		UserID:  entry.UserID,
		TurnID:  entry.TurnID,
		Section: entry.Section,
		Title:   entry.Title,
		Outcome: entry.Outcome,
		Snippet: snippet(entry.Content),
		Score:   score,
	}
}

// Reindex rebuilds the index from the filesystem archive.
func (x *Index) Reindex(archive *store.FSArchive) error {
	count := 0
	err := archive.Walk(func(meta store.Metadata, doc string) error {
		count++
		return x.IndexTurn(meta, doc)
	})
	if err != nil {
		return err
	}
	x.logger.Printf("reindexed %d archived turns", count)
	return nil
}

// Count reports the number of indexed sections.
func (x *Index) Count() (uint64, error) {
	return x.idx.DocCount()
}

func snippet(content string) string {
	const max = 200
	if len(content) <= max {
		return content
	}
	return content[:max] + "…"
}
