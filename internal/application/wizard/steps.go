package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// RunEscrow executes the escrow-creation step: one transaction funding the
// study escrow, indexed to mint the escrow id.
func (o *Orchestrator) RunEscrow(ctx context.Context, actor, profileKey string) (*wizard.Session, error) {
	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return nil, err
	}
	if err := o.requireStep(sess, wizard.StepEscrow); err != nil {
		return sess, err
	}
	form := sess.FormData.Escrow
	if form == nil || sess.IDs.DatabaseID == uuid.Nil {
		return sess, fmt.Errorf("escrow step without start data: %w", wizard.ErrPrecondition)
	}

	payload := chain.CreateEscrowPayload{
		Owner:        common.HexToAddress(sess.Owner),
		Title:        form.Title,
		TotalFunding: big.NewInt(form.TotalFunding),
		DurationDays: form.DurationDays,
		Compensation: compensationDescription(form),
	}
	err = o.runTx(ctx, sess, wizard.StepEscrow, payload, payload,
		func(s *wizard.Session, hash string, derived chain.DerivedIDs) error {
			if derived.EscrowID == "" {
				return fmt.Errorf("indexer minted no escrow id: %w", wizard.ErrPrecondition)
			}
			return s.CompleteEscrowTx(hash, derived.EscrowID)
		})
	return sess, err
}

// RunRegistry executes the registry-publication step. A nil form reuses the
// previously captured input (resume path).
func (o *Orchestrator) RunRegistry(ctx context.Context, actor, profileKey string, form *wizard.RegistryForm) (*wizard.Session, error) {
	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return nil, err
	}
	if err := o.requireStep(sess, wizard.StepRegistry); err != nil {
		return sess, err
	}
	if sess.IDs.EscrowID == "" || sess.TxHashes.Escrow == "" {
		return sess, fmt.Errorf("registry step without escrow id/hash: %w", wizard.ErrPrecondition)
	}
	if form != nil {
		if err := sess.SetRegistryForm(form); err != nil {
			return sess, err
		}
	}
	form = sess.FormData.Registry
	if err := form.Validate(); err != nil {
		return sess, err
	}

	payload := chain.PublishRegistryPayload{
		EscrowID:  sess.IDs.EscrowID,
		Summary:   form.Summary,
		Condition: form.Condition,
		DataTypes: form.DataTypes,
	}
	err = o.runTx(ctx, sess, wizard.StepRegistry, payload, payload,
		func(s *wizard.Session, hash string, derived chain.DerivedIDs) error {
			if derived.RegistryID == "" {
				return fmt.Errorf("indexer minted no registry id: %w", wizard.ErrPrecondition)
			}
			return s.CompleteRegistryTx(hash, derived.RegistryID)
		})
	return sess, err
}

// RunCriteria executes the eligibility-criteria step. The expression is
// compiled and smoke-evaluated before any transaction is built.
func (o *Orchestrator) RunCriteria(ctx context.Context, actor, profileKey string, form *wizard.CriteriaForm) (*wizard.Session, error) {
	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return nil, err
	}
	if err := o.requireStep(sess, wizard.StepCriteria); err != nil {
		return sess, err
	}
	if sess.IDs.RegistryID == "" || sess.TxHashes.Registry == "" {
		return sess, fmt.Errorf("criteria step without registry id/hash: %w", wizard.ErrPrecondition)
	}
	if form != nil {
		if err := sess.SetCriteriaForm(form); err != nil {
			return sess, err
		}
	}
	form = sess.FormData.Criteria
	if err := form.Validate(); err != nil {
		return sess, err
	}
	if err := ValidateCriteriaExpression(form); err != nil {
		return sess, err
	}

	payload := chain.SetCriteriaPayload{
		RegistryID: sess.IDs.RegistryID,
		Expression: form.Expression,
		MinAge:     form.MinAge,
		MaxAge:     form.MaxAge,
	}
	err = o.runTx(ctx, sess, wizard.StepCriteria, payload, payload,
		func(s *wizard.Session, hash string, _ chain.DerivedIDs) error {
			return s.CompleteCriteriaTx(hash)
		})
	return sess, err
}

// requireStep checks that the session's current step matches. The API layer
// never renders a step out of order, so a mismatch is a caller bug.
func (o *Orchestrator) requireStep(sess *wizard.Session, step wizard.Step) error {
	current, done := sess.CurrentStep()
	if done {
		return fmt.Errorf("run %s on complete session: %w", step, wizard.ErrInvalidTransition)
	}
	if sess.Status == wizard.StatusIdle {
		return fmt.Errorf("run %s on idle session: %w", step, wizard.ErrInvalidTransition)
	}
	if current != step {
		return fmt.Errorf("run %s while %s is active: %w", step, current, wizard.ErrInvalidTransition)
	}
	return nil
}

// runTx drives one transaction through build, sign, confirm, index and
// checkpoint. Exactly one checkpoint write per successful execution.
func (o *Orchestrator) runTx(
	ctx context.Context,
	sess *wizard.Session,
	step wizard.Step,
	payload chain.TxPayload,
	indexPayload any,
	complete func(*wizard.Session, string, chain.DerivedIDs) error,
) error {
	hash, conf, err := o.confirmTx(ctx, sess, step, payload)
	if err != nil {
		return err
	}

	derived, err := o.indexStep(ctx, sess, step, hash, conf.ChainID, indexPayload)
	if err != nil {
		return err
	}

	if err := complete(sess, hash, derived); err != nil {
		return err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}

	o.logger.Info().
		Str("profile_key", sess.ProfileKey).
		Str("step", string(step)).
		Str("tx_hash", hash).
		Uint64("block", conf.BlockNumber).
		Msg("step checkpointed")
	kind := wizard.EventCheckpoint
	if sess.Status == wizard.StatusComplete {
		kind = wizard.EventCompleted
	}
	o.publish(sess, kind, hash, "")
	return nil
}

// confirmTx obtains a confirmed hash for the step: it reuses a pending
// broadcast hash when one exists (the hash is durable intent, retries must
// never re-sign), otherwise builds, signs and broadcasts, persisting the hash
// before waiting for confirmation.
func (o *Orchestrator) confirmTx(ctx context.Context, sess *wizard.Session, step wizard.Step, payload chain.TxPayload) (string, *chain.Confirmation, error) {
	if err := sess.BeginStep(step); err != nil {
		return "", nil, err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return "", nil, err
	}

	var hash string
	if p := sess.PendingTx; p != nil && p.Step == step {
		hash = p.Hash
		o.logger.Info().
			Str("profile_key", sess.ProfileKey).
			Str("step", string(step)).
			Str("tx_hash", hash).
			Msg("reusing pending transaction hash")
	}

	if hash == "" {
		unsigned, err := o.gateway.BuildTransaction(ctx, payload)
		if err != nil {
			return "", nil, o.stepError(ctx, sess, fmt.Errorf("build %s transaction: %w", step, err))
		}
		h, err := o.gateway.SignAndBroadcast(ctx, unsigned)
		if err != nil {
			if errors.Is(err, chain.ErrUserDeclined) {
				// Nothing broadcast; the step retries from scratch.
				return "", nil, o.stepError(ctx, sess, err)
			}
			return "", nil, o.stepError(ctx, sess, fmt.Errorf("broadcast %s transaction: %w", step, err))
		}
		hash = h.Hex()
		if err := sess.RecordPendingTx(step, hash); err != nil {
			return "", nil, err
		}
		if err := o.sessions.Save(ctx, sess); err != nil {
			return "", nil, err
		}
	}

	conf, err := o.gateway.WaitForConfirmation(ctx, common.HexToHash(hash))
	if err != nil {
		// The hash stays pending; a retry checks it before assuming failure.
		return "", nil, o.stepError(ctx, sess, fmt.Errorf("confirm %s transaction %s: %w", step, hash, err))
	}
	return hash, conf, nil
}

// indexStep calls the indexer with retry-with-backoff. Safe to retry because
// indexing is idempotent per (databaseID, step, txHash).
func (o *Orchestrator) indexStep(ctx context.Context, sess *wizard.Session, step wizard.Step, hash string, chainID *big.Int, payload any) (chain.DerivedIDs, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return chain.DerivedIDs{}, err
	}

	backoff := o.opts.IndexBackoff
	var lastErr error
	for attempt := 0; attempt < o.opts.IndexAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return chain.DerivedIDs{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		derived, err := o.indexer.IndexStep(ctx, sess.IDs.DatabaseID, step, hash, chainID, raw)
		if err == nil {
			return derived, nil
		}
		lastErr = err
		o.logger.Warn().Err(err).
			Str("profile_key", sess.ProfileKey).
			Str("step", string(step)).
			Str("tx_hash", hash).
			Int("attempt", attempt+1).
			Msg("index step failed")
	}
	// The chain already advanced; the pending hash is kept so a later retry
	// re-invokes only the indexer.
	return chain.DerivedIDs{}, o.stepError(ctx, sess, fmt.Errorf("index %s step: %w", step, lastErr))
}

// stepError records a retryable error on the session without changing status.
func (o *Orchestrator) stepError(ctx context.Context, sess *wizard.Session, cause error) error {
	sess.SetError(cause.Error())
	if err := o.sessions.Save(ctx, sess); err != nil {
		o.logger.Error().Err(err).Str("profile_key", sess.ProfileKey).Msg("persist step error")
	}
	o.publish(sess, wizard.EventError, "", cause.Error())
	return cause
}

// compensationDescription derives the participant compensation text from the
// funding parameters; it is server-computed, never taken from the form.
func compensationDescription(form *wizard.EscrowForm) string {
	return fmt.Sprintf(
		"Participants receive up to %d tokens over %d days for completing all study milestones.",
		form.TotalFunding, form.DurationDays,
	)
}
