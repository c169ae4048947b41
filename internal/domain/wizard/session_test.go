package wizard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEscrowForm() *EscrowForm {
	return &EscrowForm{
		Title:        "Sleep Study",
		Description:  "A study of sleep patterns",
		TotalFunding: 1000,
		DurationDays: 90,
	}
}

// advance walks a fresh session to the given status through the legal
// transitions, filling in the ids and hashes each checkpoint requires.
func advance(t *testing.T, target Status) *Session {
	t.Helper()
	s := NewSession("profile-1")
	if target == StatusIdle {
		return s
	}
	require.NoError(t, s.StartCreation(uuid.New(), "0xAbC", validEscrowForm()))
	steps := []struct {
		status   Status
		begin    Step
		complete func() error
	}{
		{StatusEscrow, StepEscrow, func() error { return s.CompleteEscrowTx("0xhash1", "escrow-1") }},
		{StatusRegistry, StepRegistry, func() error { return s.CompleteRegistryTx("0xhash2", "registry-1") }},
		{StatusCriteria, StepCriteria, func() error { return s.CompleteCriteriaTx("0xhash3") }},
		{StatusMilestones, StepMilestones, func() error { return s.CompleteMilestonesTx([]string{"0xhash4"}) }},
	}
	for _, st := range steps {
		if s.Status == target {
			return s
		}
		require.NoError(t, s.BeginStep(st.begin))
		if s.Status == target {
			return s
		}
		require.NoError(t, st.complete())
	}
	require.Equal(t, target, s.Status)
	return s
}

func TestNewSession(t *testing.T) {
	s := NewSession("profile-1")

	assert.Equal(t, "profile-1", s.ProfileKey)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Empty(t, s.Owner)
	assert.Equal(t, uuid.Nil, s.IDs.DatabaseID)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestSession_StartCreation(t *testing.T) {
	t.Run("idle to draft", func(t *testing.T) {
		s := NewSession("profile-1")
		id := uuid.New()

		require.NoError(t, s.StartCreation(id, "0xAbCdEf", validEscrowForm()))

		assert.Equal(t, StatusDraft, s.Status)
		assert.Equal(t, "0xabcdef", s.Owner)
		assert.Equal(t, id, s.IDs.DatabaseID)
		require.NotNil(t, s.FormData.Escrow)
	})

	t.Run("rejected when already started", func(t *testing.T) {
		s := NewSession("profile-1")
		require.NoError(t, s.StartCreation(uuid.New(), "0xabc", validEscrowForm()))

		err := s.StartCreation(uuid.New(), "0xabc", validEscrowForm())
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("requires database id and owner", func(t *testing.T) {
		s := NewSession("profile-1")
		assert.Error(t, s.StartCreation(uuid.Nil, "0xabc", validEscrowForm()))
		assert.Error(t, s.StartCreation(uuid.New(), "  ", validEscrowForm()))
	})
}

func TestSession_StatusMonotonic(t *testing.T) {
	// Every legal mutation moves status forward (or keeps it); there is no
	// backward transition except the explicit Reset.
	order := []Status{
		StatusIdle, StatusDraft, StatusEscrow, StatusEscrowDone,
		StatusRegistry, StatusRegistryDone, StatusCriteria, StatusCriteriaDone,
		StatusMilestones, StatusComplete,
	}
	for i, status := range order {
		assert.Equal(t, i, status.Rank(), "rank of %s", status)
	}

	s := advance(t, StatusComplete)
	assert.Equal(t, StatusComplete, s.Status)
	assert.Equal(t, "escrow-1", s.IDs.EscrowID)
	assert.Equal(t, "registry-1", s.IDs.RegistryID)
	assert.Equal(t, []string{"0xhash4"}, s.TxHashes.Milestones)
	assert.NoError(t, s.Validate())
}

func TestSession_BeginStep(t *testing.T) {
	t.Run("from preceding done status", func(t *testing.T) {
		s := advance(t, StatusEscrowDone)
		require.NoError(t, s.BeginStep(StepRegistry))
		assert.Equal(t, StatusRegistry, s.Status)
	})

	t.Run("idempotent while in flight", func(t *testing.T) {
		s := advance(t, StatusRegistry)
		require.NoError(t, s.BeginStep(StepRegistry))
		assert.Equal(t, StatusRegistry, s.Status)
	})

	t.Run("out of order rejected", func(t *testing.T) {
		s := advance(t, StatusDraft)
		assert.ErrorIs(t, s.BeginStep(StepCriteria), ErrInvalidTransition)
		assert.Equal(t, StatusDraft, s.Status)
	})
}

func TestSession_CompleteAcceptsUnpersistedBegin(t *testing.T) {
	// A begin transition that was never persisted must not wedge the run:
	// checkpoints are legal from the preceding done status too.
	s := advance(t, StatusEscrowDone)
	require.NoError(t, s.CompleteRegistryTx("0xhash2", "registry-1"))
	assert.Equal(t, StatusRegistryDone, s.Status)
}

func TestSession_CompleteRejectsSkippedSteps(t *testing.T) {
	s := advance(t, StatusDraft)

	assert.ErrorIs(t, s.CompleteRegistryTx("0xh", "r"), ErrInvalidTransition)
	assert.ErrorIs(t, s.CompleteCriteriaTx("0xh"), ErrInvalidTransition)
	assert.ErrorIs(t, s.CompleteMilestonesTx([]string{"0xh"}), ErrInvalidTransition)
	assert.Equal(t, StatusDraft, s.Status)
}

func TestSession_CurrentStep(t *testing.T) {
	cases := []struct {
		status Status
		step   Step
		done   bool
	}{
		{StatusIdle, StepEscrow, false},
		{StatusDraft, StepEscrow, false},
		{StatusEscrow, StepEscrow, false},
		{StatusEscrowDone, StepRegistry, false},
		{StatusRegistry, StepRegistry, false},
		{StatusRegistryDone, StepCriteria, false},
		{StatusCriteria, StepCriteria, false},
		{StatusCriteriaDone, StepMilestones, false},
		{StatusMilestones, StepMilestones, false},
		{StatusComplete, StepMilestones, true},
	}
	for _, c := range cases {
		t.Run(string(c.status), func(t *testing.T) {
			s := &Session{Status: c.status}
			step, done := s.CurrentStep()
			assert.Equal(t, c.step, step)
			assert.Equal(t, c.done, done)
		})
	}
}

func TestSession_ResumeAfterRestart(t *testing.T) {
	// Only persisted fields survive a process restart; the current step must
	// be derivable from them alone.
	s := advance(t, StatusRegistryDone)

	restored := &Session{
		ProfileKey: s.ProfileKey,
		Status:     s.Status,
		Owner:      s.Owner,
		IDs:        s.IDs,
		TxHashes:   s.TxHashes,
		FormData:   s.FormData,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}

	require.NoError(t, restored.Validate())
	step, done := restored.CurrentStep()
	assert.Equal(t, StepCriteria, step)
	assert.False(t, done)
}

func TestSession_RecordPendingTx(t *testing.T) {
	t.Run("while step active", func(t *testing.T) {
		s := advance(t, StatusEscrow)
		require.NoError(t, s.RecordPendingTx(StepEscrow, "0xbroadcast"))
		require.NotNil(t, s.PendingTx)
		assert.Equal(t, StepEscrow, s.PendingTx.Step)
		assert.Equal(t, "0xbroadcast", s.PendingTx.Hash)
	})

	t.Run("cleared by checkpoint", func(t *testing.T) {
		s := advance(t, StatusEscrow)
		require.NoError(t, s.RecordPendingTx(StepEscrow, "0xbroadcast"))
		require.NoError(t, s.CompleteEscrowTx("0xbroadcast", "escrow-1"))
		assert.Nil(t, s.PendingTx)
	})

	t.Run("rejected for inactive step", func(t *testing.T) {
		s := advance(t, StatusEscrow)
		assert.ErrorIs(t, s.RecordPendingTx(StepCriteria, "0xbroadcast"), ErrInvalidTransition)
	})
}

func TestSession_RecordMilestoneProgress(t *testing.T) {
	t.Run("index matches hash count", func(t *testing.T) {
		s := advance(t, StatusMilestones)
		require.NoError(t, s.RecordPendingTx(StepMilestones, "0xm2"))

		require.NoError(t, s.RecordMilestoneProgress(2, []string{"0xm1", "0xm2"}, "1"))

		require.NotNil(t, s.Milestones)
		assert.Equal(t, 2, s.Milestones.CurrentIndex)
		assert.Equal(t, "1", s.Milestones.ChainID)
		assert.Nil(t, s.PendingTx, "progress checkpoint supersedes the pending hash")
	})

	t.Run("index mismatch rejected", func(t *testing.T) {
		s := advance(t, StatusMilestones)
		assert.Error(t, s.RecordMilestoneProgress(3, []string{"0xm1"}, "1"))
	})
}

func TestSession_ErrorHandling(t *testing.T) {
	s := advance(t, StatusEscrow)

	s.SetError("wallet unavailable")
	assert.Equal(t, "wallet unavailable", s.LastError)
	assert.Equal(t, StatusEscrow, s.Status, "errors never change status")

	s.ClearError()
	assert.Empty(t, s.LastError)
}

func TestSession_Reset(t *testing.T) {
	s := advance(t, StatusCriteria)
	created := s.CreatedAt

	s.Reset()

	assert.Equal(t, StatusIdle, s.Status)
	assert.Equal(t, "profile-1", s.ProfileKey)
	assert.Empty(t, s.Owner)
	assert.Equal(t, uuid.Nil, s.IDs.DatabaseID)
	assert.Empty(t, s.IDs.EscrowID)
	assert.Empty(t, s.TxHashes.Escrow)
	assert.Nil(t, s.FormData.Escrow)
	assert.Equal(t, created, s.CreatedAt)
}

func TestSession_IsOwnedBy(t *testing.T) {
	t.Run("idle session belongs to anybody", func(t *testing.T) {
		s := NewSession("profile-1")
		assert.True(t, s.IsOwnedBy("0xanyone"))
	})

	t.Run("case insensitive owner match", func(t *testing.T) {
		s := advance(t, StatusDraft)
		assert.True(t, s.IsOwnedBy("0xABC"))
		assert.False(t, s.IsOwnedBy("0xother"))
	})
}

func TestSession_Validate(t *testing.T) {
	t.Run("missing id at reached status", func(t *testing.T) {
		s := advance(t, StatusEscrowDone)
		s.IDs.EscrowID = ""
		assert.ErrorIs(t, s.Validate(), ErrCorruptSession)
	})

	t.Run("premature hash before status", func(t *testing.T) {
		s := advance(t, StatusDraft)
		s.TxHashes.Criteria = "0xearly"
		assert.ErrorIs(t, s.Validate(), ErrCorruptSession)
	})

	t.Run("owner required once started", func(t *testing.T) {
		s := advance(t, StatusDraft)
		s.Owner = ""
		assert.ErrorIs(t, s.Validate(), ErrCorruptSession)
	})

	t.Run("unknown status", func(t *testing.T) {
		s := &Session{Status: Status("bogus")}
		assert.ErrorIs(t, s.Validate(), ErrCorruptSession)
	})

	t.Run("every legal status passes", func(t *testing.T) {
		for status := range statusRank {
			s := advance(t, status)
			assert.NoError(t, s.Validate(), "status %s", status)
		}
	})
}
