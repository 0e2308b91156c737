package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tariel-x/callbridge/internal/models"
)

const defaultPollInterval = 250 * time.Millisecond

const (
	publishAttempts   = 3
	publishRetryDelay = 50 * time.Millisecond
)

var terminalStatuses = []models.CallStatus{
	models.CallStatusEnded,
	models.CallStatusMissed,
	models.CallStatusDeclined,
	models.CallStatusFailed,
}

// Store is the persistent Bus: the calls table is the shared per-call
// document and call_candidates is its append-only sub-list. Subscriptions
// poll, which makes delivery at-least-once and eventually consistent; that is
// the contract consumers are written against, so duplicates are harmless.
// Polling also works across processes sharing one database file.
type Store struct {
	db           *gorm.DB
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:           db,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval tightens the subscription poll loop; tests use this to keep
// eventual consistency fast.
func (s *Store) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// retryPublish retries a transient publish failure a bounded number of times
// with a short pause between attempts. ErrCallNotFound is a definitive answer,
// not a transient one, and returns immediately.
func retryPublish(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrCallNotFound) || attempt == publishAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(publishRetryDelay):
		}
	}
}

func (s *Store) PublishOffer(ctx context.Context, callID string, offer models.SessionDescription) error {
	return retryPublish(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&models.Call{}).
			Where("id = ?", callID).
			Updates(map[string]any{"offer_type": offer.Type, "offer_sdp": offer.SDP})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCallNotFound
		}
		return nil
	})
}

func (s *Store) PublishAnswer(ctx context.Context, callID string, answer models.SessionDescription) error {
	return retryPublish(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&models.Call{}).
			Where("id = ?", callID).
			Updates(map[string]any{"answer_type": answer.Type, "answer_sdp": answer.SDP})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCallNotFound
		}
		return nil
	})
}

func (s *Store) PublishCandidate(ctx context.Context, callID, senderID string, candidate models.ICECandidate) error {
	row := models.CallCandidate{
		CallID:        callID,
		SenderID:      senderID,
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	return retryPublish(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

func (s *Store) DeleteSignalingData(ctx context.Context, callID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Call{}).Where("id = ?", callID).
			Updates(map[string]any{
				"offer_type": "", "offer_sdp": "",
				"answer_type": "", "answer_sdp": "",
			}).Error; err != nil {
			return err
		}
		return tx.Where("call_id = ?", callID).Delete(&models.CallCandidate{}).Error
	})
}

func (s *Store) Subscribe(callID, selfID string, cb Callbacks) (func(), error) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		var (
			offerSDP  string
			answerSDP string
			lastSeq   uint
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			var call models.Call
			err := s.db.First(&call, "id = ?", callID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// Not created yet, or already cleaned up. Keep polling.
			case err != nil:
				if cb.OnError != nil {
					cb.OnError(err)
				}
			default:
				if call.OfferSDP != "" && call.OfferSDP != offerSDP {
					offerSDP = call.OfferSDP
					if cb.OnOffer != nil {
						cb.OnOffer(models.SessionDescription{Type: call.OfferType, SDP: call.OfferSDP})
					}
				}
				if call.AnswerSDP != "" && call.AnswerSDP != answerSDP {
					answerSDP = call.AnswerSDP
					if cb.OnAnswer != nil {
						cb.OnAnswer(models.SessionDescription{Type: call.AnswerType, SDP: call.AnswerSDP})
					}
				}

				// Candidates are only useful after the offer exists; holding
				// them back until then keeps the offer-before-candidates
				// ordering even though the store itself does not promise it.
				if offerSDP != "" {
					var rows []models.CallCandidate
					if err := s.db.Where("call_id = ? AND sender_id <> ? AND seq > ?", callID, selfID, lastSeq).
						Order("seq ASC").Find(&rows).Error; err == nil {
						for _, row := range rows {
							lastSeq = row.Seq
							if cb.OnCandidate != nil {
								cb.OnCandidate(models.ICECandidate{
									Candidate:     row.Candidate,
									SDPMid:        row.SDPMid,
									SDPMLineIndex: row.SDPMLineIndex,
								})
							}
						}
					}
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
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
	return unsubscribe, nil
}

// --- CallStore ---

func (s *Store) CreateCall(ctx context.Context, call *models.Call) error {
	return s.db.WithContext(ctx).Create(call).Error
}

func (s *Store) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	var call models.Call
	if err := s.db.WithContext(ctx).First(&call, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return &call, nil
}

func (s *Store) SetStatus(ctx context.Context, callID string, status models.CallStatus, endTime *time.Time, duration *int) (*models.Call, bool, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	if call.Status == status || call.Status.Terminal() {
		return call, false, nil
	}
	if !call.Status.CanTransition(status) {
		return call, false, ErrIllegalTransition
	}

	updates := map[string]any{"status": status}
	if status.Terminal() {
		updates["end_time"] = endTime
		updates["duration"] = duration
	}

	// Compare-and-set on the observed status so two racing writers cannot
	// both apply a terminal transition or overwrite each other's result.
	res := s.db.WithContext(ctx).Model(&models.Call{}).
		Where("id = ? AND status = ?", callID, call.Status).
		Updates(updates)
	if res.Error != nil {
		return call, false, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; report whatever won.
		current, err := s.GetCall(ctx, callID)
		return current, false, err
	}

	current, err := s.GetCall(ctx, callID)
	return current, true, err
}

func (s *Store) WatchCall(callID string, fn func(*models.Call)) (func(), error) {
	var (
		last      models.CallStatus
		delivered bool
	)
	return s.watch(func() {
		var call models.Call
		if err := s.db.First(&call, "id = ?", callID).Error; err != nil {
			return
		}
		if !delivered || last != call.Status {
			delivered = true
			last = call.Status
			fn(&call)
		}
	}), nil
}

func (s *Store) WatchIncoming(userID string, fn func(*models.Call)) (func(), error) {
	seen := make(map[string]struct{})
	since := time.Now().Add(-s.pollInterval)

	return s.watch(func() {
		var calls []models.Call
		err := s.db.
			Where("receiver_id = ? AND status = ? AND created_at > ?",
				userID, models.CallStatusRinging, since).
			Order("created_at ASC").
			Find(&calls).Error
		if err != nil {
			return
		}
		for i := range calls {
			if _, ok := seen[calls[i].ID]; ok {
				continue
			}
			seen[calls[i].ID] = struct{}{}
			fn(&calls[i])
		}
	}), nil
}

// watch runs step on the poll interval until the returned func is called.
func (s *Store) watch(step func()) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			step()
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
