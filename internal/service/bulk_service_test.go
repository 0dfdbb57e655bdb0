package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/hospital-bulk-go/internal/database"
	"github.com/jengzang/hospital-bulk-go/internal/dispatch"
	"github.com/jengzang/hospital-bulk-go/internal/models"
	"github.com/jengzang/hospital-bulk-go/internal/progress"
	"github.com/jengzang/hospital-bulk-go/internal/repository"
)

type fakeClient struct {
	mu          sync.Mutex
	nextID      int64
	failNames   map[string]bool
	calls       map[string]int
	activateErr error
	activated   []string
}

func newFakeClient(failNames ...string) *fakeClient {
	c := &fakeClient{failNames: map[string]bool{}, calls: map[string]int{}}
	for _, n := range failNames {
		c.failNames[n] = true
	}
	return c
}

func (c *fakeClient) CreateHospital(ctx context.Context, batchID string, h models.HospitalCreate) (*models.HospitalResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[h.Name]++
	if c.failNames[h.Name] {
		return nil, errors.New("remote error 500: simulated")
	}
	c.nextID++
	return &models.HospitalResponse{ID: c.nextID, Name: h.Name, Address: h.Address, CreationBatchID: batchID}, nil
}

func (c *fakeClient) ActivateBatch(ctx context.Context, batchID string, hospitalIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activateErr != nil {
		return c.activateErr
	}
	c.activated = append(c.activated, batchID)
	return nil
}

func (c *fakeClient) GetBatchHospitals(ctx context.Context, batchID string) ([]models.HospitalResponse, error) {
	return []models.HospitalResponse{{ID: 1, CreationBatchID: batchID}}, nil
}

func (c *fakeClient) heal(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failNames, name)
}

func (c *fakeClient) callsFor(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

type memStore struct {
	mu        sync.Mutex
	items     map[string]models.Checkpoint
	putErr    error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{items: map[string]models.Checkpoint{}}
}

func (m *memStore) Get(ctx context.Context, batchID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.items[batchID]
	if !ok {
		return nil, models.ErrCheckpointNotFound
	}
	return &cp, nil
}

func (m *memStore) Put(ctx context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.items[cp.BatchID] = *cp
	return nil
}

func (m *memStore) Delete(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.items, batchID)
	return nil
}

func (m *memStore) failDeletes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *memStore) has(batchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[batchID]
	return ok
}

func (m *memStore) List(ctx context.Context) ([]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Checkpoint, 0, len(m.items))
	for _, cp := range m.items {
		cp := cp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastCheckpointAt.After(out[j].LastCheckpointAt) })
	return out, nil
}

func newTestService(client HospitalClient, store CheckpointStore) (*BulkService, *progress.Tracker) {
	tracker := progress.NewTracker()
	d := dispatch.New(client, tracker, 3)
	return NewBulkService(tracker, d, client, store, 20), tracker
}

func records(n int) []models.HospitalCreate {
	out := make([]models.HospitalCreate, n)
	for i := range out {
		out[i] = models.HospitalCreate{Name: fmt.Sprintf("Hospital %d", i+1), Address: fmt.Sprintf("%d Main St", i+1)}
	}
	return out
}

func TestSubmit_AllSucceed(t *testing.T) {
	client := newFakeClient()
	svc, _ := newTestService(client, newMemStore())

	snap, err := svc.Submit(context.Background(), records(4))
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, snap.Status)
	assert.True(t, snap.BatchActivated)
	assert.True(t, snap.IsCompleted)
	assert.Equal(t, 4, snap.ProcessedHospitals)
	require.Len(t, snap.Hospitals, 4)
	for i, h := range snap.Hospitals {
		assert.Equal(t, i+1, h.Row)
		assert.Equal(t, models.TaskCreatedAndActivated, h.Status)
		assert.NotNil(t, h.HospitalID)
	}
	assert.Equal(t, []string{snap.BatchID}, client.activated)
}

func TestSubmit_PartialFailureIsResumable(t *testing.T) {
	client := newFakeClient("Hospital 4")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(5))
	require.NoError(t, err, "record failures are reported in the snapshot")
	assert.Equal(t, models.BatchResumable, snap.Status)
	assert.True(t, snap.IsResumable)
	assert.False(t, snap.BatchActivated)
	assert.Equal(t, 1, snap.FailedHospitals)
	assert.Equal(t, 4, snap.ProcessedHospitals)
	assert.Equal(t, 4, snap.ResumeFromRow)
	assert.Equal(t, models.TaskFailed, snap.Hospitals[3].Status)
	assert.Contains(t, snap.Hospitals[3].ErrorMessage, "simulated")
	assert.Empty(t, client.activated)

	cp, err := store.Get(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 4, cp.ResumeFromRow)
	assert.Equal(t, []int{4}, cp.FailedRows)
	assert.Len(t, cp.Succeeded, 4)
	assert.Equal(t, "1 of 5 hospitals failed", cp.FailureReason)

	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, snap.BatchID, summaries[0].BatchID)
	assert.Equal(t, 4, summaries[0].ResumeFromRow)
}

func TestResume_OnlyRetriesFailedRows(t *testing.T) {
	client := newFakeClient("Hospital 4")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(5))
	require.NoError(t, err)
	require.Equal(t, models.BatchResumable, snap.Status)

	client.heal("Hospital 4")
	snap, err = svc.Resume(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, snap.Status)
	assert.True(t, snap.BatchActivated)
	assert.Equal(t, 5, snap.ProcessedHospitals)
	assert.Equal(t, 0, snap.FailedHospitals)

	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("Hospital %d", i)
		if i == 4 {
			assert.Equal(t, 2, client.callsFor(name))
			continue
		}
		assert.Equal(t, 1, client.callsFor(name), "%s must not be created twice", name)
	}

	_, err = store.Get(context.Background(), snap.BatchID)
	assert.True(t, errors.Is(err, models.ErrCheckpointNotFound), "checkpoint removed on success")

	_, err = svc.Resume(context.Background(), snap.BatchID)
	assert.True(t, errors.Is(err, models.ErrNotResumable))
}

func TestResume_FailsAgainKeepsSucceededRows(t *testing.T) {
	client := newFakeClient("Hospital 2", "Hospital 3")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(3))
	require.NoError(t, err)
	id := snap.BatchID

	for round := 0; round < 2; round++ {
		snap, err = svc.Resume(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchResumable, snap.Status)
		assert.Equal(t, 2, snap.ResumeFromRow)
	}
	assert.Equal(t, 1, client.callsFor("Hospital 1"))
	assert.Equal(t, 3, client.callsFor("Hospital 2"))

	client.heal("Hospital 2")
	snap, err = svc.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResumable, snap.Status)
	assert.Equal(t, 3, snap.ResumeFromRow)
	assert.Equal(t, 4, client.callsFor("Hospital 2"))

	client.heal("Hospital 3")
	snap, err = svc.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, snap.Status)
	assert.Equal(t, 4, client.callsFor("Hospital 2"))
	assert.Equal(t, 1, client.callsFor("Hospital 1"))
}

func TestAbandon(t *testing.T) {
	client := newFakeClient("Hospital 2")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(3))
	require.NoError(t, err)
	id := snap.BatchID

	require.NoError(t, svc.Abandon(context.Background(), id))

	snap, err = svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchAbandoned, snap.Status)
	assert.True(t, snap.IsCompleted)
	assert.False(t, snap.IsResumable)

	_, err = svc.Resume(context.Background(), id)
	assert.True(t, errors.Is(err, models.ErrNotResumable))
	assert.True(t, errors.Is(svc.Abandon(context.Background(), id), models.ErrNotResumable))

	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.Equal(t, 1, client.callsFor("Hospital 2"), "abandon never calls the remote service")
}

func TestAbandon_UnknownBatch(t *testing.T) {
	svc, _ := newTestService(newFakeClient(), newMemStore())
	err := svc.Abandon(context.Background(), models.NewBatchID())
	assert.True(t, errors.Is(err, models.ErrNotResumable))
}

func TestSubmit_ActivationFailureIsTerminal(t *testing.T) {
	client := newFakeClient()
	client.activateErr = errors.New("remote error 502: bad gateway")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(2))
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, snap.Status)
	assert.False(t, snap.BatchActivated)
	assert.True(t, snap.IsCompleted)
	assert.Contains(t, snap.FailureReason, "bad gateway")
	for _, h := range snap.Hospitals {
		assert.Equal(t, models.TaskCreated, h.Status)
	}

	_, err = svc.Resume(context.Background(), snap.BatchID)
	assert.True(t, errors.Is(err, models.ErrNotResumable))
}

func TestResume_ActivationFailureRemovesCheckpoint(t *testing.T) {
	client := newFakeClient("Hospital 1")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(2))
	require.NoError(t, err)

	client.heal("Hospital 1")
	client.activateErr = errors.New("remote error 500: down")
	snap, err = svc.Resume(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, snap.Status)

	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestAbandon_DeleteFailureKeepsBatchResumable(t *testing.T) {
	client := newFakeClient("Hospital 2")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(3))
	require.NoError(t, err)
	id := snap.BatchID

	store.failDeletes(errors.New("disk gone"))
	err = svc.Abandon(context.Background(), id)
	assert.ErrorContains(t, err, "disk gone")

	snap, err = svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResumable, snap.Status)
	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Len(t, summaries, 1)

	store.failDeletes(nil)
	require.NoError(t, svc.Abandon(context.Background(), id))

	snap, err = svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchAbandoned, snap.Status)
	assert.False(t, store.has(id))
	summaries, err = svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestResume_LeftoverCheckpointOfFinishedBatchIsRemoved(t *testing.T) {
	client := newFakeClient("Hospital 1")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(2))
	require.NoError(t, err)
	id := snap.BatchID

	client.heal("Hospital 1")
	store.failDeletes(errors.New("disk gone"))
	snap, err = svc.Resume(context.Background(), id)
	assert.ErrorContains(t, err, "disk gone")
	require.NotNil(t, snap)
	assert.Equal(t, models.BatchCompleted, snap.Status)
	require.True(t, store.has(id))

	store.failDeletes(nil)
	_, err = svc.Resume(context.Background(), id)
	assert.True(t, errors.Is(err, models.ErrNotResumable))
	assert.False(t, store.has(id))
	assert.Equal(t, 2, client.callsFor("Hospital 1"), "a finished batch is never re-dispatched")

	assert.True(t, errors.Is(svc.Abandon(context.Background(), id), models.ErrNotResumable))
	snap, err = svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, snap.Status)
}

func TestListResumable_SkipsFinishedBatches(t *testing.T) {
	client := newFakeClient("Hospital 1")
	store := newMemStore()
	svc, _ := newTestService(client, store)

	snap, err := svc.Submit(context.Background(), records(2))
	require.NoError(t, err)
	id := snap.BatchID

	client.heal("Hospital 1")
	store.failDeletes(errors.New("disk gone"))
	_, err = svc.Resume(context.Background(), id)
	require.Error(t, err)

	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries, "still unable to delete, but not offered for resume")

	store.failDeletes(nil)
	summaries, err = svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.False(t, store.has(id))
}

func TestSubmit_CheckpointWriteFailure(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("disk full")
	svc, tracker := newTestService(newFakeClient("Hospital 1"), store)

	_, err := svc.Submit(context.Background(), records(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.Equal(t, 1, tracker.Len())
	summaries, err := svc.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries, "no partial checkpoint")
}

func TestSubmit_InvalidInputCreatesNoState(t *testing.T) {
	client := newFakeClient()
	svc, tracker := newTestService(client, newMemStore())

	_, err := svc.Submit(context.Background(), nil)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = svc.Submit(context.Background(), records(21))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	bad := records(2)
	bad[1].Address = ""
	_, err = svc.Submit(context.Background(), bad)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Row)

	assert.Equal(t, 0, tracker.Len())
	assert.Equal(t, 0, client.callsFor("Hospital 1"))
}

func TestProgress_UnknownBatch(t *testing.T) {
	svc, _ := newTestService(newFakeClient(), newMemStore())
	_, err := svc.Progress(context.Background(), models.NewBatchID())
	assert.True(t, errors.Is(err, models.ErrUnknownBatch))
}

func TestCleanup_KeepsResumable(t *testing.T) {
	client := newFakeClient("Hospital 1 of resumable")
	svc, tracker := newTestService(client, newMemStore())

	done, err := svc.Submit(context.Background(), records(1))
	require.NoError(t, err)
	require.Equal(t, models.BatchCompleted, done.Status)

	resumable, err := svc.Submit(context.Background(), []models.HospitalCreate{{Name: "Hospital 1 of resumable", Address: "x"}})
	require.NoError(t, err)
	require.Equal(t, models.BatchResumable, resumable.Status)

	assert.Equal(t, 1, svc.Cleanup(0))
	assert.Equal(t, 1, tracker.Len())

	snap, err := svc.Progress(context.Background(), resumable.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResumable, snap.Status)

	_, err = svc.Progress(context.Background(), done.BatchID)
	assert.True(t, errors.Is(err, models.ErrUnknownBatch))
}

func TestConcurrentResume_OnlyOneRuns(t *testing.T) {
	client := newFakeClient("Hospital 1")
	svc, _ := newTestService(client, newMemStore())

	snap, err := svc.Submit(context.Background(), records(3))
	require.NoError(t, err)
	client.heal("Hospital 1")

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resume(context.Background(), snap.BatchID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotResumable), err.Error())
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, client.callsFor("Hospital 1"))
}

func TestResume_AfterRestart(t *testing.T) {
	db, err := database.Open(database.Config{Path: t.TempDir() + "/bulk.db"})
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewCheckpointRepository(db)

	client := newFakeClient("Hospital 3")
	first, _ := newTestService(client, store)
	snap, err := first.Submit(context.Background(), records(3))
	require.NoError(t, err)
	require.Equal(t, models.BatchResumable, snap.Status)

	// a fresh service has nothing in memory
	client.heal("Hospital 3")
	second, tracker := newTestService(client, store)
	require.Equal(t, 0, tracker.Len())

	restored, err := second.Progress(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResumable, restored.Status)
	assert.Equal(t, 2, restored.ProcessedHospitals)

	done, err := second.Resume(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, done.Status)
	assert.Equal(t, 1, client.callsFor("Hospital 1"))
	assert.Equal(t, 2, client.callsFor("Hospital 3"))
}

func TestSubmitAsync(t *testing.T) {
	client := newFakeClient()
	svc, _ := newTestService(client, newMemStore())

	snap, err := svc.SubmitAsync(records(3))
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, snap.Status)

	svc.Wait()
	final, err := svc.Progress(context.Background(), snap.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, final.Status)
}

func TestRunCleanupLoop_StopsWithContext(t *testing.T) {
	svc, _ := newTestService(newFakeClient(), newMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunCleanupLoop(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestGetBatchHospitals_InvalidID(t *testing.T) {
	svc, _ := newTestService(newFakeClient(), newMemStore())
	_, err := svc.GetBatchHospitals(context.Background(), "../etc")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	hospitals, err := svc.GetBatchHospitals(context.Background(), models.NewBatchID())
	require.NoError(t, err)
	assert.Len(t, hospitals, 1)
}
