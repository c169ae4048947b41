package wizard

import (
	"context"
	"fmt"
	"math/big"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// RunMilestones executes the final step. Item count against the configured
// threshold selects sequential (one transaction per item, resumable from the
// persisted cursor) or batch (one transaction for all items) execution. A nil
// items slice reuses the previously captured input.
func (o *Orchestrator) RunMilestones(ctx context.Context, actor, profileKey string, items []wizard.MilestoneItem) (*wizard.Session, error) {
	sess, err := o.load(ctx, actor, profileKey)
	if err != nil {
		return nil, err
	}
	if err := o.requireStep(sess, wizard.StepMilestones); err != nil {
		return sess, err
	}
	if sess.IDs.EscrowID == "" || sess.TxHashes.Criteria == "" {
		return sess, fmt.Errorf("milestone step without escrow id/criteria hash: %w", wizard.ErrPrecondition)
	}
	if sess.FormData.Escrow == nil {
		return sess, fmt.Errorf("milestone step without escrow form data: %w", wizard.ErrPrecondition)
	}
	if items != nil {
		if err := sess.SetMilestoneItems(items); err != nil {
			return sess, err
		}
	}
	items = sess.FormData.Milestones
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return sess, fmt.Errorf("milestone %d: %w", i+1, err)
		}
	}

	if err := ValidateBudget(items, sess.FormData.Escrow.TotalFunding); err != nil {
		if !o.opts.BudgetWarnOnly {
			return sess, err
		}
		o.logger.Warn().Err(err).
			Str("profile_key", profileKey).
			Msg("milestone budget exceeds funding, proceeding by policy")
	}

	plan, err := PlanBatch(items, o.opts.BatchThreshold, sess.Milestones)
	if err != nil {
		return sess, err
	}

	if plan.Mode == ModeBatch {
		payload := chain.MilestoneBatchPayload{EscrowID: sess.IDs.EscrowID, Items: plan.Items}
		err = o.runTx(ctx, sess, wizard.StepMilestones, payload, payload,
			func(s *wizard.Session, hash string, _ chain.DerivedIDs) error {
				return s.CompleteMilestonesTx([]string{hash})
			})
		return sess, err
	}

	return sess, o.runSequential(ctx, sess, plan)
}

// runSequential replays only from the plan cursor forward; hashes already in
// the list are never re-issued. One signature prompt at a time. The indexer
// is called once, after the last item confirms, with the full hash list.
func (o *Orchestrator) runSequential(ctx context.Context, sess *wizard.Session, plan *BatchPlan) error {
	if err := sess.BeginStep(wizard.StepMilestones); err != nil {
		return err
	}

	// A run interrupted after its last confirmation resumes with an empty
	// loop; the chain id then comes from the persisted progress.
	var chainID *big.Int
	if plan.ChainID != "" {
		chainID, _ = new(big.Int).SetString(plan.ChainID, 10)
	}
	for i := plan.CurrentIndex; i < len(plan.Items); i++ {
		item := plan.Items[i]
		payload := chain.ConfigureMilestonePayload{
			EscrowID: sess.IDs.EscrowID,
			Index:    i,
			Title:    item.Title,
			Reward:   big.NewInt(item.Reward),
		}
		hash, conf, err := o.confirmTx(ctx, sess, wizard.StepMilestones, payload)
		if err != nil {
			return err
		}
		chainID = conf.ChainID
		if chainID != nil {
			plan.ChainID = chainID.String()
		}
		plan.Hashes = append(plan.Hashes, hash)
		plan.CurrentIndex = i + 1
		if err := sess.RecordMilestoneProgress(plan.CurrentIndex, plan.Hashes, plan.ChainID); err != nil {
			return err
		}
		if err := o.sessions.Save(ctx, sess); err != nil {
			return err
		}
		o.logger.Info().
			Str("profile_key", sess.ProfileKey).
			Int("milestone", i+1).
			Int("of", len(plan.Items)).
			Str("tx_hash", hash).
			Uint64("block", conf.BlockNumber).
			Msg("milestone confirmed")
		o.publish(sess, wizard.EventCheckpoint, hash, fmt.Sprintf("milestone %d of %d", i+1, len(plan.Items)))
	}

	final := plan.Hashes[len(plan.Hashes)-1]
	indexPayload := struct {
		EscrowID string   `json:"escrowId"`
		Hashes   []string `json:"hashes"`
	}{EscrowID: sess.IDs.EscrowID, Hashes: plan.Hashes}

	if _, err := o.indexStep(ctx, sess, wizard.StepMilestones, final, chainID, indexPayload); err != nil {
		return err
	}
	if err := sess.CompleteMilestonesTx(plan.Hashes); err != nil {
		return err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}
	o.publish(sess, wizard.EventCompleted, final, "")
	return nil
}
