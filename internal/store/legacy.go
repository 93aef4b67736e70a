package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/personagate/internal/domain"
)

// legacyApproval is one entry of the approved_resets.json document written by
// earlier deployments, keyed by session id.
type legacyApproval struct {
	ResetApproved bool   `json:"reset_approved"`
	ApprovedAt    string `json:"approved_at"`
	RequestID     string `json:"request_id"`
	Email         string `json:"email"`
}

// ImportLegacyApprovals moves approvals from a legacy JSON document into
// dst and renames the document so the import runs once. A missing document
// is not an error; an unreadable one is logged and treated as empty.
func ImportLegacyApprovals(ctx context.Context, dst ApprovalStore, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy approvals: %w", err)
	}

	var doc map[string]legacyApproval
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("legacy approvals document unreadable, treating as empty", "path", path, "error", err)
		return 0, nil
	}

	imported := 0
	for sessionID, entry := range doc {
		if !entry.ResetApproved || sessionID == "" {
			continue
		}
		approvedAt := domain.ParseTimestamp(entry.ApprovedAt)
		if approvedAt.IsZero() {
			approvedAt = time.Now()
		}
		if err := dst.PutApproval(ctx, &domain.ApprovedReset{
			SessionID:     sessionID,
			ResetApproved: true,
			ApprovedAt:    approvedAt,
			RequestID:     entry.RequestID,
			Email:         entry.Email,
		}); err != nil {
			return imported, fmt.Errorf("import approval for %s: %w", sessionID, err)
		}
		imported++
	}

	if err := os.Rename(path, path+".imported"); err != nil {
		logger.Warn("failed to rename legacy approvals document", "path", path, "error", err)
	}
	logger.Info("imported legacy approvals", "path", path, "count", imported)
	return imported, nil
}
