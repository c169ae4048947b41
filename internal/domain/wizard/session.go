package wizard

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents wizard session status. It is the sole source of truth for
// which step is active; resume after a restart derives everything from it.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusDraft        Status = "draft"
	StatusEscrow       Status = "escrow"
	StatusEscrowDone   Status = "escrow_done"
	StatusRegistry     Status = "registry"
	StatusRegistryDone Status = "registry_done"
	StatusCriteria     Status = "criteria"
	StatusCriteriaDone Status = "criteria_done"
	StatusMilestones   Status = "milestones"
	StatusComplete     Status = "complete"
)

var statusRank = map[Status]int{
	StatusIdle:         0,
	StatusDraft:        1,
	StatusEscrow:       2,
	StatusEscrowDone:   3,
	StatusRegistry:     4,
	StatusRegistryDone: 5,
	StatusCriteria:     6,
	StatusCriteriaDone: 7,
	StatusMilestones:   8,
	StatusComplete:     9,
}

// Rank returns the position of s in the forward order, or -1 for an unknown status.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Step identifies one of the four ordered wizard phases.
type Step string

const (
	StepEscrow     Step = "escrow"
	StepRegistry   Step = "registry"
	StepCriteria   Step = "criteria"
	StepMilestones Step = "milestones"
)

// Index returns the 1-based step number.
func (s Step) Index() int {
	switch s {
	case StepEscrow:
		return 1
	case StepRegistry:
		return 2
	case StepCriteria:
		return 3
	case StepMilestones:
		return 4
	}
	return 0
}

// activeStatuses maps a step to the statuses during which its checkpoint
// mutation is legal: the preceding "done" status (tx not yet begun or the
// begin transition was not persisted) and the step's own in-flight status.
var activeStatuses = map[Step][2]Status{
	StepEscrow:     {StatusDraft, StatusEscrow},
	StepRegistry:   {StatusEscrowDone, StatusRegistry},
	StepCriteria:   {StatusRegistryDone, StatusCriteria},
	StepMilestones: {StatusCriteriaDone, StatusMilestones},
}

// IDs holds externally assigned identifiers acquired over the session's life.
// EscrowID and RegistryID are empty until their owning step completes.
type IDs struct {
	DatabaseID uuid.UUID `json:"databaseId"`
	EscrowID   string    `json:"escrowId,omitempty"`
	RegistryID string    `json:"registryId,omitempty"`
}

// TxHashes records one confirmed hash per completed step. The milestone step
// keeps an ordered list because sequential mode produces one hash per item.
type TxHashes struct {
	Escrow     string   `json:"escrow,omitempty"`
	Registry   string   `json:"registry,omitempty"`
	Criteria   string   `json:"criteria,omitempty"`
	Milestones []string `json:"milestones,omitempty"`
}

// PendingTx is a broadcast-but-not-checkpointed transaction. Once a hash
// exists the transaction is durable intent: retries must check it for
// confirmation instead of signing again.
type PendingTx struct {
	Step Step   `json:"step"`
	Hash string `json:"hash"`
}

// MilestoneProgress is the persisted mid-step state of a sequential milestone
// run. The full plan is recomputed from form data on every resume; only the
// cursor, the confirmed hashes and the chain id need to survive a restart.
// The chain id is kept so a run interrupted after the last confirmation can
// still index without a fresh confirmation to read it from.
type MilestoneProgress struct {
	CurrentIndex int      `json:"currentIndex"`
	Hashes       []string `json:"hashes,omitempty"`
	ChainID      string   `json:"chainId,omitempty"`
}

// Session is the persisted state machine record for one wizard run.
type Session struct {
	ID         int64              `json:"id"`
	ProfileKey string             `json:"profileKey"`
	Status     Status             `json:"status"`
	Owner      string             `json:"owner,omitempty"`
	IDs        IDs                `json:"ids"`
	TxHashes   TxHashes           `json:"txHashes"`
	FormData   FormData           `json:"formData"`
	PendingTx  *PendingTx         `json:"pendingTx,omitempty"`
	Milestones *MilestoneProgress `json:"milestoneProgress,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// NewSession returns an idle session for the given profile key.
func NewSession(profileKey string) *Session {
	now := time.Now().UTC()
	return &Session{
		ProfileKey: profileKey,
		Status:     StatusIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NormalizeOwner lower-cases a wallet address for owner comparison.
func NormalizeOwner(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsOwnedBy reports whether the session belongs to the given actor. An idle
// session belongs to nobody and anybody.
func (s *Session) IsOwnedBy(actor string) bool {
	if s.Status == StatusIdle {
		return true
	}
	return s.Owner == NormalizeOwner(actor)
}

// StartCreation begins a run: legal only from idle.
func (s *Session) StartCreation(databaseID uuid.UUID, owner string, form *EscrowForm) error {
	if s.Status != StatusIdle {
		return fmt.Errorf("start creation from %s: %w", s.Status, ErrInvalidTransition)
	}
	if databaseID == uuid.Nil {
		return fmt.Errorf("start creation: database id is required")
	}
	owner = NormalizeOwner(owner)
	if owner == "" {
		return fmt.Errorf("start creation: owner is required")
	}
	s.Status = StatusDraft
	s.Owner = owner
	s.IDs.DatabaseID = databaseID
	s.FormData.Escrow = form
	s.touch()
	return nil
}

// BeginStep marks a step's transaction as in flight. The transition is
// advisory: Complete*Tx also accepts the preceding done status, so a begin
// that never got persisted cannot wedge the session.
func (s *Session) BeginStep(step Step) error {
	active, ok := activeStatuses[step]
	if !ok {
		return fmt.Errorf("begin unknown step %q", step)
	}
	if s.Status == active[1] {
		return nil
	}
	if s.Status != active[0] {
		return fmt.Errorf("begin %s from %s: %w", step, s.Status, ErrInvalidTransition)
	}
	s.Status = active[1]
	s.touch()
	return nil
}

// CompleteEscrowTx checkpoints the escrow step.
func (s *Session) CompleteEscrowTx(hash, escrowID string) error {
	if err := s.requireActive(StepEscrow); err != nil {
		return err
	}
	if hash == "" || escrowID == "" {
		return fmt.Errorf("complete escrow: hash and escrow id are required")
	}
	s.IDs.EscrowID = escrowID
	s.TxHashes.Escrow = hash
	s.Status = StatusEscrowDone
	s.clearTransient()
	return nil
}

// CompleteRegistryTx checkpoints the registry step.
func (s *Session) CompleteRegistryTx(hash, registryID string) error {
	if err := s.requireActive(StepRegistry); err != nil {
		return err
	}
	if hash == "" || registryID == "" {
		return fmt.Errorf("complete registry: hash and registry id are required")
	}
	s.IDs.RegistryID = registryID
	s.TxHashes.Registry = hash
	s.Status = StatusRegistryDone
	s.clearTransient()
	return nil
}

// CompleteCriteriaTx checkpoints the eligibility criteria step.
func (s *Session) CompleteCriteriaTx(hash string) error {
	if err := s.requireActive(StepCriteria); err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("complete criteria: hash is required")
	}
	s.TxHashes.Criteria = hash
	s.Status = StatusCriteriaDone
	s.clearTransient()
	return nil
}

// CompleteMilestonesTx checkpoints the milestone step with the ordered list of
// confirmed hashes and finishes the run.
func (s *Session) CompleteMilestonesTx(hashes []string) error {
	if err := s.requireActive(StepMilestones); err != nil {
		return err
	}
	if len(hashes) == 0 {
		return fmt.Errorf("complete milestones: at least one hash is required")
	}
	s.TxHashes.Milestones = append([]string(nil), hashes...)
	s.Status = StatusComplete
	s.Milestones = nil
	s.clearTransient()
	return nil
}

// RecordPendingTx persists a broadcast hash before confirmation so a retry can
// check it instead of re-signing. Legal only while the step is active.
func (s *Session) RecordPendingTx(step Step, hash string) error {
	if err := s.requireActive(step); err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("record pending tx: hash is required")
	}
	s.PendingTx = &PendingTx{Step: step, Hash: hash}
	s.touch()
	return nil
}

// RecordMilestoneProgress checkpoints a sequential milestone run mid-step.
func (s *Session) RecordMilestoneProgress(currentIndex int, hashes []string, chainID string) error {
	if err := s.requireActive(StepMilestones); err != nil {
		return err
	}
	if currentIndex < 0 || currentIndex != len(hashes) {
		return fmt.Errorf("record milestone progress: index %d does not match %d hashes", currentIndex, len(hashes))
	}
	s.Milestones = &MilestoneProgress{
		CurrentIndex: currentIndex,
		Hashes:       append([]string(nil), hashes...),
		ChainID:      chainID,
	}
	s.PendingTx = nil
	s.touch()
	return nil
}

// SetError records a non-fatal error without changing status, so the same
// step can be retried.
func (s *Session) SetError(message string) {
	s.LastError = message
	s.touch()
}

// ClearError discards the recorded error.
func (s *Session) ClearError() {
	s.LastError = ""
	s.touch()
}

// Reset clears the session back to idle, discarding all progress. Used for
// explicit cancellation and for the ownership guard. Already-confirmed
// transactions stay on chain; reset only abandons future steps.
func (s *Session) Reset() {
	created := s.CreatedAt
	*s = *NewSession(s.ProfileKey)
	s.CreatedAt = created
	s.touch()
}

// CurrentStep maps status to the active step. For "done" statuses it returns
// the next step; done reports a completed run. This mapping is all the
// orchestrator needs to resume from persisted state.
func (s *Session) CurrentStep() (step Step, done bool) {
	switch s.Status {
	case StatusIdle, StatusDraft, StatusEscrow:
		return StepEscrow, false
	case StatusEscrowDone, StatusRegistry:
		return StepRegistry, false
	case StatusRegistryDone, StatusCriteria:
		return StepCriteria, false
	case StatusCriteriaDone, StatusMilestones:
		return StepMilestones, false
	case StatusComplete:
		return StepMilestones, true
	}
	return StepEscrow, false
}

// Validate checks that status and the presence of ids/hashes agree. A session
// violating the invariant is corrupt and must not be repaired silently.
func (s *Session) Validate() error {
	rank := s.Status.Rank()
	if rank < 0 {
		return fmt.Errorf("unknown status %q: %w", s.Status, ErrCorruptSession)
	}
	if rank > statusRank[StatusIdle] {
		if s.Owner == "" {
			return fmt.Errorf("status %s without owner: %w", s.Status, ErrCorruptSession)
		}
		if s.IDs.DatabaseID == uuid.Nil {
			return fmt.Errorf("status %s without database id: %w", s.Status, ErrCorruptSession)
		}
	}
	checks := []struct {
		doneStatus Status
		present    bool
		field      string
	}{
		{StatusEscrowDone, s.IDs.EscrowID != "" && s.TxHashes.Escrow != "", "escrow id/hash"},
		{StatusRegistryDone, s.IDs.RegistryID != "" && s.TxHashes.Registry != "", "registry id/hash"},
		{StatusCriteriaDone, s.TxHashes.Criteria != "", "criteria hash"},
		{StatusComplete, len(s.TxHashes.Milestones) > 0, "milestone hashes"},
	}
	for _, c := range checks {
		reached := rank >= statusRank[c.doneStatus]
		if reached && !c.present {
			return fmt.Errorf("status %s without %s: %w", s.Status, c.field, ErrCorruptSession)
		}
		if !reached && c.present {
			return fmt.Errorf("status %s with premature %s: %w", s.Status, c.field, ErrCorruptSession)
		}
	}
	return nil
}

func (s *Session) requireActive(step Step) error {
	active := activeStatuses[step]
	if s.Status != active[0] && s.Status != active[1] {
		return fmt.Errorf("step %s with status %s: %w", step, s.Status, ErrInvalidTransition)
	}
	return nil
}

func (s *Session) clearTransient() {
	s.PendingTx = nil
	s.LastError = ""
	s.touch()
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}
