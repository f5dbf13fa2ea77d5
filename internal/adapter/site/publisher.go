// Package site publishes batches as static JSON files for the public site.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/couchcryptid/discharge-tracker/internal/publish"
)

// Publisher writes each batch to batches/<id>.json and replaces latest.json.
// Files are written atomically and durably, so readers never see a partial
// document and rewriting a batch is idempotent.
type Publisher struct {
	dir    string
	logger *slog.Logger
}

// NewPublisher creates the output directories under dir.
func NewPublisher(dir string, logger *slog.Logger) (*Publisher, error) {
	if err := os.MkdirAll(filepath.Join(dir, "batches"), 0o755); err != nil {
		return nil, fmt.Errorf("create site directory: %w", err)
	}
	return &Publisher{dir: dir, logger: logger}, nil
}

func (p *Publisher) Name() string { return "site" }

func (p *Publisher) Publish(ctx context.Context, batch publish.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	batchPath := filepath.Join(p.dir, "batches", batch.ID+".json")
	if err := writeFile(batchPath, body); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(p.dir, "latest.json"), body); err != nil {
		return err
	}

	p.logger.Info("site batch written", "batch_id", batch.ID, "path", batchPath, "events", len(batch.Events))
	return nil
}

func writeFile(path string, body []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file %s: %w", path, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(body); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return nil
}
