// Package history keeps the per-user call log: every call leaves one row per
// participant, written from that participant's point of view.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tariel-x/callbridge/internal/models"
)

const defaultPollInterval = time.Second

// Logger records and serves call history rows. LogCall is an upsert keyed by
// (owner, call), so the ringing-time insert and the termination update hit
// the same row and re-delivered lifecycle events cannot duplicate it.
type Logger struct {
	db           *gorm.DB
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewLogger(db *gorm.DB, logger *slog.Logger) *Logger {
	return &Logger{
		db:           db,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval tightens the subscription poll loop, mainly for tests.
func (l *Logger) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

// LogCall writes ownerID's view of the call. Terminal statuses never regress
// to non-terminal ones on re-delivery.
func (l *Logger) LogCall(ctx context.Context, ownerID string, call *models.Call) error {
	contactID, contactName, contactAvatar := call.CounterpartyOf(ownerID)

	row := models.CallLog{
		ID:            models.CallLogID(ownerID, call.ID),
		OwnerID:       ownerID,
		CallID:        call.ID,
		ContactID:     contactID,
		ContactName:   contactName,
		ContactAvatar: contactAvatar,
		Type:          call.Type,
		Direction:     call.DirectionFor(ownerID),
		Status:        call.Status,
		Timestamp:     call.StartTime,
		Duration:      call.Duration,
	}

	var existing models.CallLog
	err := l.db.WithContext(ctx).First(&existing, "id = ?", row.ID).Error
	switch {
	case err == nil:
		if existing.Status.Terminal() && !row.Status.Terminal() {
			return nil
		}
		return l.db.WithContext(ctx).Model(&existing).
			Updates(map[string]any{
				"status":   row.Status,
				"duration": row.Duration,
			}).Error
	case err == gorm.ErrRecordNotFound:
		return l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	default:
		return err
	}
}

// GetCallHistory returns ownerID's rows newest-first. limit <= 0 means all.
func (l *Logger) GetCallHistory(ctx context.Context, ownerID string, limit int) ([]models.CallLog, error) {
	q := l.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.CallLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SubscribeToCallHistory delivers ownerID's full history newest-first on
// every observed change, starting with the current state. The returned func
// stops delivery; no callback runs after it returns.
func (l *Logger) SubscribeToCallHistory(ownerID string, limit int, fn func([]models.CallLog)) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		var lastStamp time.Time
		delivered := false

		ticker := time.NewTicker(l.pollInterval)
		defer ticker.Stop()

		for {
			rows, err := l.GetCallHistory(context.Background(), ownerID, limit)
			if err != nil {
				l.logger.Warn("poll call history", "owner_id", ownerID, "error", err)
			} else {
				stamp := latestUpdate(rows)
				if !delivered || stamp.After(lastStamp) {
					delivered = true
					lastStamp = stamp
					fn(rows)
				}
			}

			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

func latestUpdate(rows []models.CallLog) time.Time {
	var max time.Time
	for i := range rows {
		if rows[i].UpdatedAt.After(max) {
			max = rows[i].UpdatedAt
		}
	}
	return max
}
