package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arman-rafiee/turnpipe/internal/document"
	"github.com/arman-rafiee/turnpipe/internal/pipeline"
)

const (
	documentFile = "document.md"
	metadataFile = "metadata.json"
	claimsFile   = "claims.json"
)

// Metadata is the audit record stored beside each archived document.
type Metadata struct {
	TurnID       int64     `json:"turn_id"`
	UserID       string    `json:"user_id"`
	Mode         string    `json:"mode"`
	Outcome      string    `json:"outcome"`
	QualityScore float64   `json:"quality_score"`
	TokensUsed   int64     `json:"tokens_used"`
	CostUSD      float64   `json:"cost_usd"`
	Warnings     []string  `json:"warnings,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ArchivedAt   time.Time `json:"archived_at"`
}

// FSArchive persists finished turns as one directory per turn: the full
// document with stable section headers, the metadata record and the claims
// gathered during execution. The layout is a compatibility surface for audit
// and search tooling.
type FSArchive struct {
	root   string
	logger *log.Logger
}

func NewFSArchive(root string, logger *log.Logger) (*FSArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags)
	}
	return &FSArchive{root: root, logger: logger}, nil
}

// TurnDir returns the directory a turn is archived under.
func (a *FSArchive) TurnDir(userID string, turnID int64) string {
	return filepath.Join(a.root, userID, fmt.Sprintf("turn-%06d", turnID))
}

// Write archives one finished turn and returns its directory.
func (a *FSArchive) Write(res pipeline.Result) (string, error) {
	if res.Document == nil {
		return "", fmt.Errorf("archive: result carries no document")
	}
	dir := a.TurnDir(res.Turn.UserID, res.Turn.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating turn dir: %w", err)
	}

	text, err := res.Document.ReadSections(0, 1, 2, 3, 4, 5, 6)
	if err != nil {
		return "", fmt.Errorf("serializing document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, documentFile), []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing document: %w", err)
	}

	meta := Metadata{
		TurnID:       res.Turn.ID,
		UserID:       res.Turn.UserID,
		Mode:         string(res.Turn.Mode),
		Outcome:      string(res.Outcome),
		QualityScore: res.QualityScore,
		TokensUsed:   res.TokensUsed,
		CostUSD:      res.CostUSD,
		Warnings:     res.Warnings,
		CreatedAt:    res.Turn.CreatedAt,
		ArchivedAt:   time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}

	var claims []document.Claim
	for _, sec := range res.Document.Sections() {
		claims = append(claims, sec.Claims...)
	}
	if len(claims) > 0 {
		raw, err := json.MarshalIndent(claims, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding claims: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, claimsFile), raw, 0o644); err != nil {
			return "", fmt.Errorf("writing claims: %w", err)
		}
	}

	a.logger.Printf("archived turn %s/%d (%s) to %s", res.Turn.UserID, res.Turn.ID, res.Outcome, dir)
	return dir, nil
}

// ReadMetadata loads the metadata record of an archived turn.
func (a *FSArchive) ReadMetadata(userID string, turnID int64) (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(a.TurnDir(userID, turnID), metadataFile))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}

// ReadDocument loads the serialized document of an archived turn.
func (a *FSArchive) ReadDocument(userID string, turnID int64) (string, error) {
	raw, err := os.ReadFile(filepath.Join(a.TurnDir(userID, turnID), documentFile))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Remove deletes an archived turn directory.
func (a *FSArchive) Remove(dir string) error {
	rel, err := filepath.Rel(a.root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside archive root", dir)
	}
	return os.RemoveAll(dir)
}

// Walk visits every archived turn, loading its metadata and document text.
// Used for reindexing.
func (a *FSArchive) Walk(fn func(meta Metadata, doc string) error) error {
	return filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != metadataFile {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		doc, err := os.ReadFile(filepath.Join(filepath.Dir(path), documentFile))
		if err != nil {
			return err
		}
		return fn(meta, string(doc))
	})
}

// ParseSections splits a serialized document back into per-section content
// using the stable headers.
func ParseSections(doc string) ([document.SectionCount]string, error) {
	var out [document.SectionCount]string
	positions := make([]int, document.SectionCount)
	for i := 0; i < document.SectionCount; i++ {
		idx := strings.Index(doc, document.SectionHeader(i))
		if idx < 0 {
			return out, fmt.Errorf("document is missing the header for section %d", i)
		}
		positions[i] = idx
	}
	for i := range positions {
		start := positions[i] + len(document.SectionHeader(i))
		end := len(doc)
		if i+1 < len(positions) {
			end = positions[i+1]
		}
		out[i] = strings.TrimSpace(doc[start:end])
	}
	return out, nil
}
