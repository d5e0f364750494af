package memory

import (
	"context"

	"github.com/cardops/cardflow/pkg/models"
)

type auditRepo struct{ s *Store }

func (r auditRepo) Append(ctx context.Context, entry *models.LogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = newID()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.s.clock.Now().UTC()
	}

	r.s.logs = append(r.s.logs, clone(entry))

	return nil
}

func (r auditRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entries := make([]*models.LogEntry, 0)

	for _, entry := range r.s.logs {
		if entry.InstanceID == instanceID {
			entries = append(entries, clone(entry))
		}
	}

	return entries, nil
}

type deadLetterRepo struct{ s *Store }

func (r deadLetterRepo) List(ctx context.Context, queue models.QueueKind, limit int) ([]*models.DeadLetter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	letters := make([]*models.DeadLetter, 0)

	for i := len(r.s.deadLetters) - 1; i >= 0; i-- {
		letter := r.s.deadLetters[i]
		if queue != "" && letter.Queue != queue {
			continue
		}

		letters = append(letters, clone(letter))

		if limit > 0 && len(letters) == limit {
			break
		}
	}

	return letters, nil
}
