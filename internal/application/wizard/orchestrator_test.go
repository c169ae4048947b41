package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
	"github.com/study-hub/study-hub/internal/domain/wizard/mocks"
)

// fakeRepo is an in-memory wizard.Repository. Sessions are cloned through
// JSON on both read and write so tests observe only persisted state.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*wizard.Session
	saves    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*wizard.Session)}
}

func cloneSession(s *wizard.Session) *wizard.Session {
	data, _ := json.Marshal(s)
	var out wizard.Session
	_ = json.Unmarshal(data, &out)
	out.CreatedAt = s.CreatedAt
	out.UpdatedAt = s.UpdatedAt
	return &out
}

func (r *fakeRepo) Get(_ context.Context, profileKey string) (*wizard.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[profileKey]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *fakeRepo) Save(_ context.Context, s *wizard.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.sessions[s.ProfileKey] = cloneSession(s)
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, profileKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, profileKey)
	return nil
}

// fakeGateway counts sign requests and serves scripted failures.
type fakeGateway struct {
	mu          sync.Mutex
	builds      int
	signs       int
	waits       int
	signErrs    []error
	waitErrs    []error
	signedKinds []chain.TxKind
}

func (g *fakeGateway) BuildTransaction(_ context.Context, payload chain.TxPayload) (*chain.UnsignedTx, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds++
	return &chain.UnsignedTx{Kind: payload.Kind(), Data: []byte{0x01}}, nil
}

func (g *fakeGateway) SignAndBroadcast(_ context.Context, tx *chain.UnsignedTx) (common.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.signErrs) > 0 {
		err := g.signErrs[0]
		g.signErrs = g.signErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	g.signs++
	g.signedKinds = append(g.signedKinds, tx.Kind)
	return common.HexToHash(fmt.Sprintf("0x%064x", g.signs)), nil
}

func (g *fakeGateway) WaitForConfirmation(_ context.Context, hash common.Hash) (*chain.Confirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waits++
	if len(g.waitErrs) > 0 {
		err := g.waitErrs[0]
		g.waitErrs = g.waitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chain.Confirmation{ChainID: big.NewInt(1), BlockNumber: uint64(g.waits)}, nil
}

// fakeIndexer implements chain.Indexer and chain.StudyDirectory with the
// production idempotency contract: one record per (databaseID, step, txHash),
// duplicate calls return the originally derived ids.
type fakeIndexer struct {
	mu          sync.Mutex
	created     int
	calls       int
	failures    int
	lastChainID *big.Int
	records     map[string]chain.DerivedIDs
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{records: make(map[string]chain.DerivedIDs)}
}

func (f *fakeIndexer) CreateStudy(_ context.Context, _ string, _ *wizard.EscrowForm) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return uuid.New(), nil
}

func (f *fakeIndexer) IndexStep(_ context.Context, databaseID uuid.UUID, step wizard.Step, txHash string, chainID *big.Int, _ json.RawMessage) (chain.DerivedIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastChainID = chainID
	if f.failures > 0 {
		f.failures--
		return chain.DerivedIDs{}, fmt.Errorf("database unavailable")
	}
	key := databaseID.String() + ":" + string(step) + ":" + txHash
	if derived, ok := f.records[key]; ok {
		return derived, nil
	}
	var derived chain.DerivedIDs
	switch step {
	case wizard.StepEscrow:
		derived.EscrowID = "escrow-" + txHash[:10]
	case wizard.StepRegistry:
		derived.RegistryID = "registry-" + txHash[:10]
	}
	f.records[key] = derived
	return derived, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []wizard.ProgressEvent
}

func (s *fakeSink) Publish(_ string, ev wizard.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) kinds() []wizard.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]wizard.EventKind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

type fixture struct {
	orch    *Orchestrator
	repo    *fakeRepo
	gateway *fakeGateway
	indexer *fakeIndexer
	sink    *fakeSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.IndexBackoff == 0 {
		opts.IndexBackoff = time.Millisecond
	}
	repo := newFakeRepo()
	gateway := &fakeGateway{}
	indexer := newFakeIndexer()
	sink := &fakeSink{}
	orch := NewOrchestrator(repo, indexer, gateway, indexer, sink, opts, zerolog.Nop())
	return &fixture{orch: orch, repo: repo, gateway: gateway, indexer: indexer, sink: sink}
}

const (
	testActor   = "0x1111111111111111111111111111111111111111"
	testProfile = "profile-1"
)

func startEscrowForm() *wizard.EscrowForm {
	return &wizard.EscrowForm{
		Title:        "Sleep Study",
		TotalFunding: 250,
		DurationDays: 90,
	}
}

// runToMilestones drives a fresh session through the first three steps.
func runToMilestones(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)
	_, err = f.orch.RunRegistry(ctx, testActor, testProfile, &wizard.RegistryForm{Summary: "s", Condition: "insomnia"})
	require.NoError(t, err)
	_, err = f.orch.RunCriteria(ctx, testActor, testProfile, &wizard.CriteriaForm{Expression: "age >= 18", MinAge: 18})
	require.NoError(t, err)
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	runToMilestones(t, f)
	sess, err := f.orch.RunMilestones(ctx, testActor, testProfile, []wizard.MilestoneItem{
		{Title: "Enroll", Reward: 50},
		{Title: "Midpoint", Reward: 100},
		{Title: "Final", Reward: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, wizard.StatusComplete, sess.Status)
	assert.NotEmpty(t, sess.IDs.EscrowID)
	assert.NotEmpty(t, sess.IDs.RegistryID)
	assert.NotEmpty(t, sess.TxHashes.Escrow)
	assert.NotEmpty(t, sess.TxHashes.Registry)
	assert.NotEmpty(t, sess.TxHashes.Criteria)
	assert.Len(t, sess.TxHashes.Milestones, 3, "sequential mode, one hash per item")
	assert.Nil(t, sess.PendingTx)
	assert.Nil(t, sess.Milestones)

	// escrow + registry + criteria + 3 milestones
	assert.Equal(t, 6, f.gateway.signs)
	kinds := f.sink.kinds()
	assert.Equal(t, wizard.EventStarted, kinds[0])
	assert.Equal(t, wizard.EventCompleted, kinds[len(kinds)-1])

	_, done := sess.CurrentStep()
	assert.True(t, done)
	require.NoError(t, f.orch.Finish(ctx, testActor, testProfile))
	fresh, err := f.orch.State(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusIdle, fresh.Status)
}

func TestOrchestrator_BatchAboveThreshold(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	runToMilestones(t, f)
	items := make([]wizard.MilestoneItem, 7)
	for i := range items {
		items[i] = wizard.MilestoneItem{Title: "Visit", Reward: 10}
	}
	presigns := f.gateway.signs

	sess, err := f.orch.RunMilestones(ctx, testActor, testProfile, items)
	require.NoError(t, err)

	assert.Equal(t, wizard.StatusComplete, sess.Status)
	assert.Len(t, sess.TxHashes.Milestones, 1, "batch mode, one transaction for all items")
	assert.Equal(t, presigns+1, f.gateway.signs)
	assert.Equal(t, chain.TxMilestoneBatch, f.gateway.signedKinds[len(f.gateway.signedKinds)-1])
}

func TestOrchestrator_SequentialResume(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	runToMilestones(t, f)
	items := make([]wizard.MilestoneItem, 5)
	for i := range items {
		items[i] = wizard.MilestoneItem{Title: fmt.Sprintf("Visit %d", i+1), Reward: 10}
	}
	// Fail the third milestone's confirmation to interrupt mid-step.
	f.gateway.waitErrs = []error{nil, nil, chain.ErrConfirmationTimeout}
	_, err := f.orch.RunMilestones(ctx, testActor, testProfile, items)
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	require.NotNil(t, persisted.Milestones)
	assert.Equal(t, 2, persisted.Milestones.CurrentIndex)
	require.NotNil(t, persisted.PendingTx, "interrupted broadcast hash survives")

	// Resume confirms the pending third hash, then signs only 4 and 5.
	presigns := f.gateway.signs
	sess, err := f.orch.RunMilestones(ctx, testActor, testProfile, nil)
	require.NoError(t, err)

	assert.Equal(t, wizard.StatusComplete, sess.Status)
	assert.Len(t, sess.TxHashes.Milestones, 5)
	assert.Equal(t, 2, f.gateway.signs-presigns, "confirmed milestones are never re-signed")
}

func TestOrchestrator_SequentialResumeNoPendingHash(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	runToMilestones(t, f)
	items := make([]wizard.MilestoneItem, 5)
	for i := range items {
		items[i] = wizard.MilestoneItem{Title: fmt.Sprintf("Visit %d", i+1), Reward: 10}
	}
	// Decline the third signature request: two milestones confirmed, nothing
	// broadcast for the third.
	f.gateway.signErrs = []error{nil, nil, chain.ErrUserDeclined}
	_, err := f.orch.RunMilestones(ctx, testActor, testProfile, items)
	require.ErrorIs(t, err, chain.ErrUserDeclined)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	require.NotNil(t, persisted.Milestones)
	assert.Equal(t, 2, persisted.Milestones.CurrentIndex)
	assert.Nil(t, persisted.PendingTx)

	presigns := f.gateway.signs
	sess, err := f.orch.RunMilestones(ctx, testActor, testProfile, nil)
	require.NoError(t, err)

	assert.Equal(t, wizard.StatusComplete, sess.Status)
	assert.Equal(t, 3, f.gateway.signs-presigns, "exactly the remaining milestones are signed")
	assert.Len(t, sess.TxHashes.Milestones, 5)
}

func TestOrchestrator_SequentialResumeAfterLastConfirm(t *testing.T) {
	f := newFixture(t, Options{IndexAttempts: 1})
	ctx := context.Background()

	runToMilestones(t, f)
	items := make([]wizard.MilestoneItem, 3)
	for i := range items {
		items[i] = wizard.MilestoneItem{Title: fmt.Sprintf("Visit %d", i+1), Reward: 10}
	}
	// Every milestone confirms; the index call after the last confirmation
	// fails, so the run stops between the final checkpoint and completion.
	f.indexer.failures = 1
	_, err := f.orch.RunMilestones(ctx, testActor, testProfile, items)
	require.Error(t, err)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	require.NotNil(t, persisted.Milestones)
	assert.Equal(t, 3, persisted.Milestones.CurrentIndex)
	assert.Equal(t, "1", persisted.Milestones.ChainID)
	assert.Nil(t, persisted.PendingTx)

	// Resume has nothing left to sign; only the index call is replayed,
	// with the chain id restored from the persisted progress.
	presigns := f.gateway.signs
	sess, err := f.orch.RunMilestones(ctx, testActor, testProfile, nil)
	require.NoError(t, err)

	assert.Equal(t, wizard.StatusComplete, sess.Status)
	assert.Equal(t, presigns, f.gateway.signs, "no new signature requests")
	assert.Len(t, sess.TxHashes.Milestones, 3)
	require.NotNil(t, f.indexer.lastChainID)
	assert.Equal(t, int64(1), f.indexer.lastChainID.Int64())
}

func TestOrchestrator_PendingHashNeverResigned(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	// Broadcast succeeds, confirmation times out.
	f.gateway.waitErrs = []error{chain.ErrConfirmationTimeout}
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	require.NotNil(t, persisted.PendingTx)
	pendingHash := persisted.PendingTx.Hash

	sess, err := f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusEscrowDone, sess.Status)
	assert.Equal(t, pendingHash, sess.TxHashes.Escrow)
	assert.Equal(t, 1, f.gateway.signs, "retry reuses the broadcast hash")
}

func TestOrchestrator_IndexerRetryAfterConfirm(t *testing.T) {
	f := newFixture(t, Options{IndexAttempts: 2})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	// The chain advances, every index attempt fails.
	f.indexer.failures = 2
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.Error(t, err)
	assert.Equal(t, 1, f.gateway.signs)
	assert.Equal(t, 2, f.indexer.calls)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	require.NotNil(t, persisted.PendingTx, "hash kept so the retry skips signing")
	assert.NotEmpty(t, persisted.LastError)

	// Retry re-invokes only the indexer with the same hash.
	sess, err := f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusEscrowDone, sess.Status)
	assert.Equal(t, 1, f.gateway.signs, "no second signature request")
	assert.Empty(t, sess.LastError)
}

func TestOrchestrator_IndexingIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)
	first, err := f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)

	// Replay the same checkpoint directly: same key, same derived ids.
	derived, err := f.indexer.IndexStep(ctx, first.IDs.DatabaseID, wizard.StepEscrow, first.TxHashes.Escrow, big.NewInt(1), nil)
	require.NoError(t, err)
	assert.Equal(t, first.IDs.EscrowID, derived.EscrowID)
	assert.Len(t, f.indexer.records, 1)
}

func TestOrchestrator_UserDeclined(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	f.gateway.signErrs = []error{chain.ErrUserDeclined}
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.ErrorIs(t, err, chain.ErrUserDeclined)
	assert.True(t, chain.IsRetryable(err))

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusEscrow, persisted.Status, "decline keeps the step active")
	assert.Nil(t, persisted.PendingTx, "nothing was broadcast")
	assert.NotEmpty(t, persisted.LastError)

	// The same step retries cleanly.
	sess, err := f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusEscrowDone, sess.Status)
}

func TestOrchestrator_StepOrderEnforced(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.RunEscrow(ctx, testActor, testProfile)
	assert.ErrorIs(t, err, wizard.ErrInvalidTransition, "no step before start")

	_, err = f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	_, err = f.orch.RunRegistry(ctx, testActor, testProfile, nil)
	assert.ErrorIs(t, err, wizard.ErrInvalidTransition)
	_, err = f.orch.RunMilestones(ctx, testActor, testProfile, nil)
	assert.ErrorIs(t, err, wizard.ErrInvalidTransition)
}

func TestOrchestrator_RepeatedStartKeepsDatabaseID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)
	second, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	assert.Equal(t, first.IDs.DatabaseID, second.IDs.DatabaseID)
	assert.Equal(t, 1, f.indexer.created, "re-rendered trigger must not mint a second id")
}

func TestOrchestrator_OwnershipGuard(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	other := "0x2222222222222222222222222222222222222222"

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)

	// A different authenticated wallet under the same profile key gets a
	// fresh idle session, never the first wallet's progress.
	sess, err := f.orch.State(ctx, other, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusIdle, sess.Status)
	assert.Empty(t, sess.IDs.EscrowID)

	persisted, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusIdle, persisted.Status, "reset is persisted")
}

func TestOrchestrator_BudgetPolicy(t *testing.T) {
	overBudget := []wizard.MilestoneItem{
		{Title: "Enroll", Reward: 200},
		{Title: "Final", Reward: 51},
	}

	t.Run("block", func(t *testing.T) {
		f := newFixture(t, Options{})
		runToMilestones(t, f)

		_, err := f.orch.RunMilestones(context.Background(), testActor, testProfile, overBudget)
		require.ErrorIs(t, err, wizard.ErrBudgetExceeded)

		persisted, err := f.repo.Get(context.Background(), testProfile)
		require.NoError(t, err)
		assert.Equal(t, wizard.StatusCriteriaDone, persisted.Status, "rejected before any transaction")
	})

	t.Run("warn proceeds", func(t *testing.T) {
		f := newFixture(t, Options{BudgetWarnOnly: true})
		runToMilestones(t, f)

		sess, err := f.orch.RunMilestones(context.Background(), testActor, testProfile, overBudget)
		require.NoError(t, err)
		assert.Equal(t, wizard.StatusComplete, sess.Status)
	})
}

func TestOrchestrator_Cancel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)
	_, err = f.orch.RunEscrow(ctx, testActor, testProfile)
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, testActor, testProfile))

	sess, err := f.orch.State(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusIdle, sess.Status)
	kinds := f.sink.kinds()
	assert.Equal(t, wizard.EventCancelled, kinds[len(kinds)-1])
}

func TestOrchestrator_CancelCorruptSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// A row claiming escrow is done without a database or escrow id fails
	// the invariant check, so every step path rejects it.
	corrupt := wizard.NewSession(testProfile)
	corrupt.Owner = testActor
	corrupt.Status = wizard.StatusEscrowDone
	require.NoError(t, f.repo.Save(ctx, corrupt))

	_, err := f.orch.State(ctx, testActor, testProfile)
	require.ErrorIs(t, err, wizard.ErrCorruptSession)

	// Cancel is the reset path and must not be gated on the same check.
	require.NoError(t, f.orch.Cancel(ctx, testActor, testProfile))

	row, err := f.repo.Get(ctx, testProfile)
	require.NoError(t, err)
	assert.Nil(t, row)

	sess, err := f.orch.State(ctx, testActor, testProfile)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusIdle, sess.Status)
	kinds := f.sink.kinds()
	assert.Equal(t, wizard.EventCancelled, kinds[len(kinds)-1])
}

func TestOrchestrator_RepositoryErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	orch := NewOrchestrator(repo, newFakeIndexer(), &fakeGateway{}, newFakeIndexer(), &fakeSink{}, Options{}, zerolog.Nop())

	repo.EXPECT().Get(gomock.Any(), testProfile).Return(nil, fmt.Errorf("connection refused"))

	_, err := orch.Start(context.Background(), testActor, testProfile, startEscrowForm())
	assert.ErrorContains(t, err, "connection refused")
}

func TestOrchestrator_FinishRequiresComplete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testActor, testProfile, startEscrowForm())
	require.NoError(t, err)

	assert.ErrorIs(t, f.orch.Finish(ctx, testActor, testProfile), wizard.ErrInvalidTransition)
}
