package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-transfer/internal/jobs"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

type fakeShipments struct {
	synced     []int64
	registered []int64
	syncErr    error
	openCount  int
	openErr    error
}

func (f *fakeShipments) Register(_ context.Context, id int64) (shipment.Shipment, error) {
	f.registered = append(f.registered, id)
	return shipment.Shipment{ID: id, CourierOrderCode: "C-1"}, nil
}

func (f *fakeShipments) SyncStatus(_ context.Context, id int64) (shipment.Shipment, error) {
	f.synced = append(f.synced, id)
	if f.syncErr != nil {
		return shipment.Shipment{}, f.syncErr
	}
	return shipment.Shipment{ID: id, Status: shipment.StatusPicked}, nil
}

func (f *fakeShipments) SyncOpen(context.Context) (int, error) {
	return f.openCount, f.openErr
}

type fakeSweeper struct {
	flipped int
	err     error
	calls   int
}

func (f *fakeSweeper) CheckFulfillable(context.Context) (int, error) {
	f.calls++
	return f.flipped, f.err
}

type recordingSink struct {
	sent []notify.Notification
}

func (s *recordingSink) Send(_ context.Context, n notify.Notification) error {
	s.sent = append(s.sent, n)
	return nil
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "t", Queue: QueueCritical}, nil
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestShipmentTasksRouteThroughServeMux(t *testing.T) {
	shipments := &fakeShipments{}
	job := NewShipmentJob(shipments, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	mux := NewServeMux([]TaskHandler{
		{Type: TaskShipmentSync, Handler: job.HandleSync},
		{Type: TaskShipmentRegister, Handler: job.HandleRegister},
		{Type: "", Handler: job.HandleSync},
	})

	syncTask, err := NewShipmentSyncTask(41)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), syncTask))
	registerTask, err := NewShipmentRegisterTask(42)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), registerTask))

	require.Equal(t, []int64{41}, shipments.synced)
	require.Equal(t, []int64{42}, shipments.registered)
}

func TestShipmentSyncSkipsRetryForBadPayloadAndPermanentErrors(t *testing.T) {
	shipments := &fakeShipments{}
	job := NewShipmentJob(shipments, nil, nil)

	err := job.HandleSync(context.Background(), asynq.NewTask(TaskShipmentSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = job.HandleSync(context.Background(), asynq.NewTask(TaskShipmentSync, []byte(`{"shipment_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, shipments.synced)

	shipments.syncErr = shipment.ErrNotFound
	task, err := NewShipmentSyncTask(7)
	require.NoError(t, err)
	err = job.HandleSync(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, shared.ErrNotFound)

	shipments.syncErr = shipment.ErrExternalService
	err = job.HandleSync(context.Background(), task)
	require.ErrorIs(t, err, shipment.ErrExternalService)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestSyncOpenSwallowsPartialFailures(t *testing.T) {
	shipments := &fakeShipments{openCount: 3, openErr: errors.New("one shipment failed")}
	job := NewShipmentJob(shipments, nil, nil)
	task, err := NewShipmentSyncOpenTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, job.HandleSyncOpen(context.Background(), task))
}

func TestDebtSweepToleratesHeldLock(t *testing.T) {
	sweeper := &fakeSweeper{err: shared.ErrLockNotAcquired}
	job := NewDebtSweepJob(sweeper, nil, nil)
	task, err := NewDebtSweepTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	sweeper.err = errors.New("database down")
	require.Error(t, job.Handle(context.Background(), task))

	sweeper.err = nil
	sweeper.flipped = 2
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 3, sweeper.calls)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskDebtSweep, []byte("nope"))), asynq.SkipRetry)
}

func TestNotifyJobDeliversDecodedNotification(t *testing.T) {
	sink := &recordingSink{}
	job := NewNotifyJob(sink, nil, nil)
	task, err := notify.NewSendTask(notify.Notification{
		Recipients: []string{notify.StoreRecipient(10)},
		Message:    notify.Message{Event: "transfer.fulfilled", Subject: "done"},
	})
	require.NoError(t, err)
	require.Equal(t, TaskNotifySend, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sink.sent, 1)
	require.Equal(t, "transfer.fulfilled", sink.sent[0].Message.Event)

	err = job.Handle(context.Background(), asynq.NewTask(TaskNotifySend, []byte("garbage")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegistrarEnqueuesOneTaskPerShipment(t *testing.T) {
	enqueuer := &recordingEnqueuer{}
	NewShipmentRegistrar(enqueuer, nil).RegisterShipments(context.Background(), []int64{5, 6})
	require.Len(t, enqueuer.tasks, 2)
	for i, task := range enqueuer.tasks {
		require.Equal(t, TaskShipmentRegister, task.Type())
		var payload ShipmentPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		require.Equal(t, int64(5+i), payload.ShipmentID)
	}

	failing := &recordingEnqueuer{err: errors.New("redis down")}
	NewShipmentRegistrar(failing, nil).RegisterShipments(context.Background(), []int64{5})
	require.Empty(t, failing.tasks)
}

func TestHealthReportsQueueDepth(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4}}, nil).MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":4}`, rec.Body.String())

	r = chi.NewRouter()
	NewHandler(fakeInspector{err: errors.New("redis down")}, nil).MountRoutes(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
