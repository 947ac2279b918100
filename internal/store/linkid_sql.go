package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/util"
)

// LinkIDAllocationLock names the lease guarding link id allocation.
const LinkIDAllocationLock = "LinkIdAllocation"

const (
	linkIDLockTTL      = time.Minute
	maxLinkIDCollision = 100
)

// ErrLinkIDSpaceExhausted is returned when random ids keep colliding.
var ErrLinkIDSpaceExhausted = errors.New("unable to find unused link ids")

// GetUnusedLinkIDBatch reserves count random alphanumeric ids of the given
// length that no referral has used. Concurrent allocations fail fast with an
// *runlock.AlreadyRunningError.
func (s *sqlDB) GetUnusedLinkIDBatch(ctx context.Context, count, length int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	if length <= 0 {
		return nil, fmt.Errorf("link id length must be positive, got %d", length)
	}

	var ids []string
	err := runlock.Run(ctx, s, LinkIDAllocationLock, uuid.NewString(), linkIDLockTTL, time.Now, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			ids = ids[:0]
			seen := make(map[string]bool, count)
			now := time.Now().UTC()
			collisions := 0
			for len(ids) < count {
				id := util.GenerateRandomAlphaNumeric(length)
				if seen[id] {
					continue
				}
				var exists int
				err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM link_ids WHERE id = ?`), id).Scan(&exists)
				if err == nil {
					collisions++
					if collisions > maxLinkIDCollision {
						return ErrLinkIDSpaceExhausted
					}
					continue
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("failed to check link id: %w", err)
				}
				if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO link_ids (id, created_at) VALUES (?, ?)`), id, now); err != nil {
					return fmt.Errorf("failed to reserve link id: %w", err)
				}
				seen[id] = true
				ids = append(ids, id)
			}
			return nil
		})
	})
	if err != nil {
		slog.Error("Store.GetUnusedLinkIDBatch failed", "error", err, "count", count)
		return nil, err
	}
	slog.Debug("Store.GetUnusedLinkIDBatch succeeded", "count", len(ids), "length", length)
	return ids, nil
}
