package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// Options are the product policies the wizard preserves as configuration.
type Options struct {
	// BatchThreshold is the largest item count still executed sequentially.
	BatchThreshold int
	// BudgetWarnOnly downgrades a budget overrun from a hard block to a
	// logged warning.
	BudgetWarnOnly bool
	// IndexAttempts bounds indexer retries per checkpoint.
	IndexAttempts int
	// IndexBackoff is the initial indexer retry delay, doubled per attempt.
	IndexBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchThreshold <= 0 {
		o.BatchThreshold = DefaultBatchThreshold
	}
	if o.IndexAttempts <= 0 {
		o.IndexAttempts = 3
	}
	if o.IndexBackoff <= 0 {
		o.IndexBackoff = time.Second
	}
	return o
}

// Orchestrator reads the session's current step and drives exactly one step
// controller at a time. It holds no wizard state of its own; after a process
// restart the correct step is reconstructed from persisted status alone.
type Orchestrator struct {
	sessions  wizard.Repository
	directory chain.StudyDirectory
	gateway   chain.Gateway
	indexer   chain.Indexer
	events    wizard.EventSink
	opts      Options
	logger    zerolog.Logger

	// starting guards initial session creation against double-fired
	// triggers; set synchronously before the async create call.
	mu       sync.Mutex
	starting map[string]bool
}

// NewOrchestrator creates a wizard orchestrator.
func NewOrchestrator(
	sessions wizard.Repository,
	directory chain.StudyDirectory,
	gateway chain.Gateway,
	indexer chain.Indexer,
	events wizard.EventSink,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		directory: directory,
		gateway:   gateway,
		indexer:   indexer,
		events:    events,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("service", "wizard").Logger(),
		starting:  make(map[string]bool),
	}
}

// State returns the session for a profile key, applying the ownership guard
// and the status invariant check. A missing session is returned as idle.
func (o *Orchestrator) State(ctx context.Context, actor, profileKey string) (*wizard.Session, error) {
	return o.load(ctx, actor, profileKey)
}

// Start begins a new run: assigns the database id via the study directory and
// moves the session to draft. A second concurrent or repeated start for the
// same profile is a no-op returning the existing session.
func (o *Orchestrator) Start(ctx context.Context, actor, profileKey string, form *wizard.EscrowForm) (*wizard.Session, error) {
	o.mu.Lock()
	if o.starting[profileKey] {
		o.mu.Unlock()
		return nil, wizard.ErrStartInFlight
	}
	o.starting[profileKey] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.starting, profileKey)
		o.mu.Unlock()
	}()

	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return nil, err
	}
	if sess.IDs.DatabaseID != uuid.Nil {
		// Already created; a re-rendered trigger must not mint a second id.
		return sess, nil
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}

	databaseID, err := o.directory.CreateStudy(ctx, wizard.NormalizeOwner(actor), form)
	if err != nil {
		return nil, fmt.Errorf("create study record: %w", err)
	}
	if err := sess.StartCreation(databaseID, actor, form); err != nil {
		return nil, err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("profile_key", profileKey).
		Str("owner", sess.Owner).
		Str("database_id", databaseID.String()).
		Msg("wizard session started")
	o.publish(sess, wizard.EventStarted, "", "")
	return sess, nil
}

// Cancel abandons the run at any status and clears the persisted session.
// Confirmed transactions stay on chain; only future steps are abandoned.
// Unlike the step paths, Cancel reads the raw session without the invariant
// check: a corrupt session cannot be trusted, and reset is the only way out.
func (o *Orchestrator) Cancel(ctx context.Context, actor, profileKey string) error {
	sess, err := o.sessions.Get(ctx, profileKey)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status == wizard.StatusIdle {
		return nil
	}
	if !sess.IsOwnedBy(actor) {
		// The ownership guard would reset this session on the next load
		// anyway; cancelling under a new actor just deletes it now.
		o.logger.Warn().
			Str("profile_key", profileKey).
			Str("session_owner", sess.Owner).
			Str("actor", wizard.NormalizeOwner(actor)).
			Msg("cancelling session owned by another actor")
	}
	o.logger.Info().
		Str("profile_key", profileKey).
		Str("status", string(sess.Status)).
		Msg("wizard session cancelled")
	owner := sess.Owner
	sess.Reset()
	if err := o.sessions.Delete(ctx, profileKey); err != nil {
		return err
	}
	if o.events != nil {
		o.events.Publish(owner, wizard.ProgressEvent{
			Kind:       wizard.EventCancelled,
			ProfileKey: profileKey,
			Status:     wizard.StatusIdle,
			At:         time.Now().UTC(),
		})
	}
	return nil
}

// Finish clears a completed session after the user has been redirected.
func (o *Orchestrator) Finish(ctx context.Context, actor, profileKey string) error {
	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return err
	}
	if sess.Status != wizard.StatusComplete {
		return fmt.Errorf("finish with status %s: %w", sess.Status, wizard.ErrInvalidTransition)
	}
	return o.sessions.Delete(ctx, profileKey)
}

// load reads (or initializes) the session and applies the ownership guard:
// a non-idle session persisted under a different owner is reset before any
// step may activate, so one user's progress can never be continued under
// another's identity.
func (o *Orchestrator) load(ctx context.Context, actor, profileKey string) (*wizard.Session, error) {
	sess, err := o.sessions.Get(ctx, profileKey)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return wizard.NewSession(profileKey), nil
	}
	if !sess.IsOwnedBy(actor) {
		o.logger.Warn().
			Str("profile_key", profileKey).
			Str("session_owner", sess.Owner).
			Str("actor", wizard.NormalizeOwner(actor)).
			Msg("session owner mismatch, resetting session")
		sess.Reset()
		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) publish(sess *wizard.Session, kind wizard.EventKind, txHash, message string) {
	if o.events == nil || sess.Owner == "" {
		return
	}
	step, done := sess.CurrentStep()
	if done {
		step = wizard.StepMilestones
	}
	o.events.Publish(sess.Owner, wizard.ProgressEvent{
		Kind:       kind,
		ProfileKey: sess.ProfileKey,
		Status:     sess.Status,
		Step:       step,
		TxHash:     txHash,
		Message:    message,
		At:         time.Now().UTC(),
	})
}
