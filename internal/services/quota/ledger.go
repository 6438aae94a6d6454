package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// DenialRecorder receives refused quota checks
type DenialRecorder interface {
	RecordQuotaDenial(reason string)
}

// Ledger tracks one subscriber's usage for a session
type Ledger struct {
	userID     string
	store      storage.DataStore
	tiers      *Catalog
	maxRetries int
	recorder   DenialRecorder
	logger     *logrus.Entry

	mu     sync.RWMutex
	state  *models.QuotaState
	limits Limits
	locked bool
}

// NewLedger creates a ledger for userID. recorder may be nil.
func NewLedger(userID string, store storage.DataStore, tiers *Catalog, cfg *config.QuotaConfig, recorder DenialRecorder, logger *logrus.Logger) *Ledger {
	retries := cfg.MaxWriteRetries
	if retries <= 0 {
		retries = 3
	}
	return &Ledger{
		userID:     userID,
		store:      store,
		tiers:      tiers,
		maxRetries: retries,
		recorder:   recorder,
		logger:     logger.WithField("user_id", userID),
	}
}

// Load reads the subscriber's counters, creating a free subscription on first use
func (l *Ledger) Load(ctx context.Context) (*models.QuotaState, error) {
	rec, err := l.store.QueryOne(ctx, storage.TableSubscriptions, storage.Filters{"user_id": l.userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if rec == nil {
		rec, err = l.createSubscription(ctx)
		if err != nil {
			return nil, err
		}
	}

	state := stateFromRecord(l.userID, rec)
	limits, err := l.tiers.Limits(ctx, state.Tier)
	if err != nil {
		return nil, err
	}
	state.TokenLimit = limits.TokenLimit
	state.PapersLimit = limits.PapersLimit

	l.mu.Lock()
	l.state = state
	l.limits = limits
	l.locked = state.TokenBounded() && state.TokensUsed >= state.TokenLimit
	l.mu.Unlock()

	copied := *state
	return &copied, nil
}

func (l *Ledger) createSubscription(ctx context.Context) (storage.Record, error) {
	rec, err := l.store.Insert(ctx, storage.TableSubscriptions, storage.Record{
		"id":                    l.userID,
		"user_id":               l.userID,
		"tier":                  string(models.TierFree),
		"tokens_used":           0,
		"papers_accessed_count": 0,
		"accessed_paper_ids":    []string{},
		"version":               1,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		// Another session created it first
		rec, err = l.store.QueryOne(ctx, storage.TableSubscriptions, storage.Filters{"user_id": l.userID})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	l.logger.Info("Created free subscription")
	return rec, nil
}

func stateFromRecord(userID string, rec storage.Record) *models.QuotaState {
	state := &models.QuotaState{
		UserID:           userID,
		Tier:             models.Tier(rec.String("tier")),
		AccessedPaperIDs: rec.Strings("accessed_paper_ids"),
		GradeID:          rec.String("grade_id"),
		SubjectIDs:       rec.Strings("subject_ids"),
	}
	if !state.Tier.Valid() {
		state.Tier = models.TierFree
	}
	state.TokensUsed, _ = rec.Int("tokens_used")
	state.PapersAccessedCount, _ = rec.Int("papers_accessed_count")
	state.Version, _ = rec.Int("version")
	return state
}

// CheckAccess decides whether the subscriber may chat about paperID.
// Checks run in order: package scope, tokens, papers. An allowed first access
// to a paper on the free tier is recorded before returning.
func (l *Ledger) CheckAccess(ctx context.Context, paperID string) (models.AccessDecision, error) {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		state, err := l.Load(ctx)
		if err != nil {
			return models.AccessDecision{}, err
		}

		decision, err := l.evaluate(ctx, state, paperID)
		if err != nil {
			return models.AccessDecision{}, err
		}
		if !decision.Allowed {
			l.deny(decision.Reason, paperID)
			return decision, nil
		}
		if state.Tier != models.TierFree || state.HasAccessed(paperID) {
			return decision, nil
		}

		err = l.recordAccess(ctx, state, paperID)
		if errors.Is(err, storage.ErrConflict) {
			l.logger.WithField("attempt", attempt+1).Debug("Quota write conflict, retrying")
			continue
		}
		if err != nil {
			return models.AccessDecision{}, err
		}
		return models.AccessDecision{Allowed: true, Remaining: l.Remaining()}, nil
	}
	return models.AccessDecision{}, fmt.Errorf("failed to record paper access: %w", storage.ErrConflict)
}

func (l *Ledger) evaluate(ctx context.Context, state *models.QuotaState, paperID string) (models.AccessDecision, error) {
	l.mu.RLock()
	scoped := l.limits.PackageScoped
	l.mu.RUnlock()

	if scoped {
		res, err := l.store.CallProcedure(ctx, ProcCanChatOnPaper, storage.Record{
			"user_id":  l.userID,
			"paper_id": paperID,
		})
		if err != nil {
			return models.AccessDecision{}, fmt.Errorf("failed to check package scope: %w", err)
		}
		if ok, _ := res.(bool); !ok {
			return l.denied(models.ReasonPackageRestriction), nil
		}
	}

	if state.TokenBounded() && state.TokensUsed >= state.TokenLimit {
		return l.denied(models.ReasonTokenLimit), nil
	}

	if state.Tier == models.TierFree && state.PapersBounded() &&
		!state.HasAccessed(paperID) && state.PapersAccessedCount >= state.PapersLimit {
		return l.denied(models.ReasonPaperLimit), nil
	}

	return models.AccessDecision{Allowed: true, Remaining: l.Remaining()}, nil
}

func (l *Ledger) denied(reason models.DenialReason) models.AccessDecision {
	return models.AccessDecision{Allowed: false, Reason: reason, Remaining: l.Remaining()}
}

func (l *Ledger) deny(reason models.DenialReason, paperID string) {
	if l.recorder != nil {
		l.recorder.RecordQuotaDenial(string(reason))
	}
	l.logger.WithFields(logrus.Fields{
		"paper_id": paperID,
		"reason":   reason,
	}).Info("Chat denied by quota")
}

func (l *Ledger) recordAccess(ctx context.Context, state *models.QuotaState, paperID string) error {
	ids := append(append([]string{}, state.AccessedPaperIDs...), paperID)
	patch := storage.Record{
		"accessed_paper_ids":    ids,
		"papers_accessed_count": state.PapersAccessedCount + 1,
	}
	if err := l.versionedUpdate(ctx, state, patch); err != nil {
		return err
	}

	l.mu.Lock()
	l.state.AccessedPaperIDs = ids
	l.state.PapersAccessedCount++
	l.state.Version++
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"paper_id": paperID,
		"count":    state.PapersAccessedCount + 1,
	}).Info("Paper access recorded")
	return nil
}

// versionedUpdate applies patch only if the record still carries state.Version
func (l *Ledger) versionedUpdate(ctx context.Context, state *models.QuotaState, patch storage.Record) error {
	patch["version"] = state.Version + 1
	n, err := l.store.Update(ctx, storage.TableSubscriptions, storage.Filters{
		"user_id": l.userID,
		"version": state.Version,
	}, patch)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// AddTokens adds reported usage to the subscriber's token counter
func (l *Ledger) AddTokens(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		state, err := l.Load(ctx)
		if err != nil {
			return err
		}
		err = l.versionedUpdate(ctx, state, storage.Record{"tokens_used": state.TokensUsed + tokens})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to add tokens: %w", storage.ErrConflict)
}

// Refresh re-reads the counters after an AI response and recomputes the lock flag
func (l *Ledger) Refresh(ctx context.Context) error {
	_, err := l.Load(ctx)
	return err
}

// Locked reports whether the token limit has been reached
func (l *Ledger) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// Snapshot returns a copy of the last loaded state, or nil before the first Load
func (l *Ledger) Snapshot() *models.QuotaState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state == nil {
		return nil
	}
	copied := *l.state
	copied.AccessedPaperIDs = append([]string(nil), l.state.AccessedPaperIDs...)
	copied.SubjectIDs = append([]string(nil), l.state.SubjectIDs...)
	return &copied
}

// Remaining returns what is left of the allowance. Unbounded values are -1.
func (l *Ledger) Remaining() models.Remaining {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rem := models.Remaining{Tokens: models.Unbounded, Papers: models.Unbounded}
	if l.state == nil {
		return rem
	}
	if l.state.TokenBounded() {
		rem.Tokens = nonNegative(l.state.TokenLimit - l.state.TokensUsed)
	}
	if l.state.Tier == models.TierFree && l.state.PapersBounded() {
		rem.Papers = nonNegative(l.state.PapersLimit - l.state.PapersAccessedCount)
	}
	return rem
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
