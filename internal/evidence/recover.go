package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RecoveryReport lists what Recover changed.
type RecoveryReport struct {
	RemovedTemp      []string `json:"removed_temp"`
	RemovedOrphans   []string `json:"removed_orphans"`
	Reindexed        []string `json:"reindexed"`
	InvalidDocuments []string `json:"invalid_documents"`
}

// Changed reports whether anything was removed or re-indexed.
func (r RecoveryReport) Changed() bool {
	return len(r.RemovedTemp)+len(r.RemovedOrphans)+len(r.Reindexed) > 0
}

// Recover restores the all-or-nothing property after a crash: temp files
// are deleted, documents without a rendering (and renderings without a
// document) are removed, and complete pairs missing from the ledger are
// indexed again.
func (i *Issuer) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	unlock, err := i.lock(ctx)
	if err != nil {
		return rep, err
	}
	defer unlock()

	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return rep, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	docs := map[string]bool{}
	renders := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix):
			path := filepath.Join(i.dir, name)
			if err := os.Remove(path); err != nil {
				return rep, fmt.Errorf("failed to remove %s: %w", path, err)
			}
			rep.RemovedTemp = append(rep.RemovedTemp, path)
		case strings.HasPrefix(name, documentPrefix) && strings.HasSuffix(name, documentSuffix):
			docs[strings.TrimSuffix(strings.TrimPrefix(name, documentPrefix), documentSuffix)] = true
		case strings.HasPrefix(name, documentPrefix) && strings.HasSuffix(name, renderingSuffix):
			renders[strings.TrimSuffix(strings.TrimPrefix(name, documentPrefix), renderingSuffix)] = true
		}
	}

	for id := range renders {
		if !docs[id] {
			path := i.renderingPath(id)
			if err := os.Remove(path); err != nil {
				return rep, fmt.Errorf("failed to remove %s: %w", path, err)
			}
			rep.RemovedOrphans = append(rep.RemovedOrphans, path)
		}
	}

	for id := range docs {
		docPath := i.documentPath(id)
		if !renders[id] {
			if err := os.Remove(docPath); err != nil {
				return rep, fmt.Errorf("failed to remove %s: %w", docPath, err)
			}
			rep.RemovedOrphans = append(rep.RemovedOrphans, docPath)
			continue
		}
		if i.ledger == nil {
			continue
		}
		has, err := i.ledger.Has(ctx, id)
		if err != nil {
			return rep, err
		}
		if has {
			continue
		}
		doc, err := VerifyDocument(docPath)
		if err != nil {
			i.logger.Log("WARN", "skipping invalid certificate during recovery", "certificate_id", id, "error", err)
			rep.InvalidDocuments = append(rep.InvalidDocuments, docPath)
			continue
		}
		if err := i.ledger.Insert(ctx, recordFromDocument(doc, docPath, i.renderingPath(id))); err != nil {
			return rep, err
		}
		rep.Reindexed = append(rep.Reindexed, id)
	}

	i.logger.Log("INFO", "certificate recovery finished",
		"removed_temp", len(rep.RemovedTemp), "removed_orphans", len(rep.RemovedOrphans), "reindexed", len(rep.Reindexed))
	return rep, nil
}
