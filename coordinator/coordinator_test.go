package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prism-calendar/domain"
	"prism-calendar/reconcile"
)

const (
	monday  = domain.Day("2024-06-10")
	tuesday = domain.Day("2024-06-11")
)

type updateCall struct {
	id     string
	fields domain.TaskFields
}

type stubStore struct {
	err error

	created []domain.Task
	updates []updateCall
	removed []string
	batches [][]domain.Patch
	saved   [][]domain.Task
}

func (s *stubStore) Create(_ context.Context, task domain.Task) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.created = append(s.created, task)
	return "new-id", nil
}

func (s *stubStore) Update(_ context.Context, _, id string, fields domain.TaskFields) error {
	s.updates = append(s.updates, updateCall{id: id, fields: fields})
	return s.err
}

func (s *stubStore) Remove(_ context.Context, _, id string) error {
	s.removed = append(s.removed, id)
	return s.err
}

func (s *stubStore) BatchWrite(_ context.Context, _ string, patches []domain.Patch) error {
	s.batches = append(s.batches, patches)
	return s.err
}

func (s *stubStore) SaveAll(_ context.Context, _ string, tasks []domain.Task) error {
	s.saved = append(s.saved, tasks)
	return s.err
}

// gatedStore holds Create open until release is closed.
type gatedStore struct {
	*stubStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Create(ctx context.Context, task domain.Task) (string, error) {
	close(s.entered)
	<-s.release
	return s.stubStore.Create(ctx, task)
}

func newTestCoordinator(t *testing.T, store *stubStore) (*Coordinator, *reconcile.Session) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	session := reconcile.NewSession("u1", nil, logger)
	session.ApplySnapshot([]domain.Task{
		{ID: "A", OwnerID: "u1", Text: "a", Day: monday, Order: 0, Subtasks: []domain.Subtask{}},
		{ID: "B", OwnerID: "u1", Text: "b", Day: monday, Order: 1, Subtasks: []domain.Subtask{}},
		{ID: "C", OwnerID: "u1", Text: "c", Day: monday, Order: 2, Subtasks: []domain.Subtask{}},
		{ID: "M", OwnerID: "u1", Text: "m", Day: tuesday, Order: 0, Subtasks: []domain.Subtask{}},
	})
	return New(store, session, logger), session
}

func setupTestTracer(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	return exporter, func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestAddAppendsToDay(t *testing.T) {
	store := &stubStore{}
	c, session := newTestCoordinator(t, store)

	task, err := c.Add(context.Background(), "  call mum  ", monday)
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	assert.Equal(t, "call mum", store.created[0].Text)
	assert.Equal(t, 3, store.created[0].Order)
	assert.Equal(t, "u1", store.created[0].OwnerID)
	assert.Equal(t, "new-id", task.ID)

	local, ok := session.Task("new-id")
	require.True(t, ok)
	assert.Equal(t, 3, local.Order)
	assert.Equal(t, []string{"A", "B", "C", "new-id"}, ids(session.Bucket(monday)))
}

func TestAddValidatesInput(t *testing.T) {
	store := &stubStore{}
	c, _ := newTestCoordinator(t, store)

	_, err := c.Add(context.Background(), "   ", monday)
	assert.ErrorIs(t, err, domain.ErrEmptyText)
	_, err = c.Add(context.Background(), "x", "2024-13-01")
	assert.ErrorIs(t, err, domain.ErrInvalidDay)
	assert.Empty(t, store.created)
}

func TestAddFailureReleasesReservedOrder(t *testing.T) {
	boom := &domain.WriteError{Op: "create", Err: errors.New("unreachable")}
	store := &stubStore{err: boom}
	c, session := newTestCoordinator(t, store)

	_, err := c.Add(context.Background(), "x", monday)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, session.Tasks(), 4)

	order, release := session.ReserveOrder(monday)
	defer release()
	assert.Equal(t, 3, order)
}

func TestEditTextWritesOnlyText(t *testing.T) {
	store := &stubStore{}
	c, session := newTestCoordinator(t, store)

	require.NoError(t, c.EditText(context.Background(), "A", " renamed "))
	require.Len(t, store.updates, 1)
	f := store.updates[0].fields
	require.NotNil(t, f.Text)
	assert.Equal(t, "renamed", *f.Text)
	assert.Nil(t, f.Completed)
	assert.Nil(t, f.Order)

	local, _ := session.Task("A")
	assert.Equal(t, "a", local.Text, "text arrives with the next snapshot")

	assert.ErrorIs(t, c.EditText(context.Background(), "A", ""), domain.ErrEmptyText)
	assert.ErrorIs(t, c.EditText(context.Background(), "missing", "x"), domain.ErrTaskNotFound)
}

func TestToggleFailureIsNotRolledBack(t *testing.T) {
	boom := errors.New("unreachable")
	store := &stubStore{err: boom}
	c, session := newTestCoordinator(t, store)

	completed, err := c.Toggle(context.Background(), "B")
	assert.ErrorIs(t, err, boom)
	assert.True(t, completed)

	local, _ := session.Task("B")
	assert.True(t, local.Completed)
	require.Len(t, store.updates, 1)
	assert.True(t, *store.updates[0].fields.Completed)
}

func TestDeleteRemovesLocallyFirst(t *testing.T) {
	store := &stubStore{err: errors.New("unreachable")}
	c, session := newTestCoordinator(t, store)

	assert.Error(t, c.Delete(context.Background(), "B"))
	_, ok := session.Task("B")
	assert.False(t, ok)
	assert.Equal(t, []string{"B"}, store.removed)
}

func TestMoveWithinDayWritesOneBatch(t *testing.T) {
	store := &stubStore{}
	c, session := newTestCoordinator(t, store)

	updates, err := c.Move(context.Background(), MoveRequest{TaskID: "A", FromIndex: 0, ToDay: monday, ToIndex: 2})
	require.NoError(t, err)
	assert.Len(t, updates, 3)
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 3)
	assert.Equal(t, []string{"B", "C", "A"}, ids(session.Bucket(monday)))
}

func TestMoveOntoOwnPositionWritesNothing(t *testing.T) {
	store := &stubStore{}
	c, session := newTestCoordinator(t, store)
	changes, stop := session.Watch()
	defer stop()

	updates, err := c.Move(context.Background(), MoveRequest{TaskID: "B", FromIndex: 1, ToDay: monday, ToIndex: 1})
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Empty(t, store.batches)
	select {
	case <-changes:
		t.Fatal("a move that changes nothing must not signal watchers")
	default:
	}
}

func TestAddRacingMoveIntoDayKeepsOrdersUnique(t *testing.T) {
	store := &gatedStore{stubStore: &stubStore{}, entered: make(chan struct{}), release: make(chan struct{})}
	logger, _ := test.NewNullLogger()
	_, session := newTestCoordinator(t, store.stubStore)
	c := New(store, session, logger)

	type result struct {
		task domain.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := c.Add(context.Background(), "new", monday)
		done <- result{task, err}
	}()
	<-store.entered

	updates, err := c.Move(context.Background(), MoveRequest{TaskID: "M", FromIndex: 0, ToDay: monday, ToIndex: 3})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, 3, updates[0].Order)

	close(store.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 3, store.created[0].Order)
	assert.Equal(t, 4, res.task.Order)

	require.Len(t, store.updates, 1)
	assert.Equal(t, "new-id", store.updates[0].id)
	require.NotNil(t, store.updates[0].fields.Order)
	assert.Equal(t, 4, *store.updates[0].fields.Order)

	bucket := session.Bucket(monday)
	assert.Equal(t, []string{"A", "B", "C", "M", "new-id"}, ids(bucket))
	seen := map[int]string{}
	for _, task := range bucket {
		if prev, dup := seen[task.Order]; dup {
			t.Fatalf("order %d held by %s and %s", task.Order, prev, task.ID)
		}
		seen[task.Order] = task.ID
	}

	next, release := session.ReserveOrder(monday)
	defer release()
	assert.Equal(t, 5, next)
}

func TestMoveAcrossDaysKeepsPositionsOnFailure(t *testing.T) {
	boom := &domain.BatchWriteError{Op: "batch", Err: errors.New("unreachable")}
	store := &stubStore{err: boom}
	c, session := newTestCoordinator(t, store)

	_, err := c.Move(context.Background(), MoveRequest{TaskID: "B", FromIndex: 1, ToDay: tuesday, ToIndex: 0})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"A", "C"}, ids(session.Bucket(monday)))
	assert.Equal(t, []string{"B", "M"}, ids(session.Bucket(tuesday)))
	require.Len(t, store.batches, 1)
	for _, p := range store.batches[0] {
		if p.ID == "B" {
			require.NotNil(t, p.Fields.Day)
			assert.Equal(t, tuesday, *p.Fields.Day)
		} else {
			assert.Nil(t, p.Fields.Day)
		}
	}
}

func TestMoveUnknownTask(t *testing.T) {
	store := &stubStore{}
	c, _ := newTestCoordinator(t, store)

	_, err := c.Move(context.Background(), MoveRequest{TaskID: "nope", ToDay: monday})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = c.Move(context.Background(), MoveRequest{TaskID: "A", ToDay: "junk"})
	assert.ErrorIs(t, err, domain.ErrInvalidDay)
	assert.Empty(t, store.batches)
}

func TestSaveAllSendsHeldTasks(t *testing.T) {
	store := &stubStore{}
	c, _ := newTestCoordinator(t, store)

	require.NoError(t, c.SaveAll(context.Background()))
	require.Len(t, store.saved, 1)
	assert.Equal(t, []string{"A", "B", "C", "M"}, ids(store.saved[0]))

	logger, _ := test.NewNullLogger()
	empty := New(store, reconcile.NewSession("u2", nil, logger), logger)
	require.NoError(t, empty.SaveAll(context.Background()))
	assert.Len(t, store.saved, 1)
}

func TestUpdateTaskClosesDetailOnlyAfterWrite(t *testing.T) {
	store := &stubStore{err: errors.New("unreachable")}
	c, session := newTestCoordinator(t, store)
	require.NoError(t, c.OpenDetail("A"))

	edited, _ := session.Task("A")
	edited.Text = "edited"
	edited.Notes = "remember"
	edited.Order = 99

	assert.Error(t, c.UpdateTask(context.Background(), edited))
	selected, ok := session.Selected()
	require.True(t, ok, "detail stays open after a failed save")
	assert.Equal(t, "a", selected.Text)

	store.err = nil
	require.NoError(t, c.UpdateTask(context.Background(), edited))
	_, ok = session.Selected()
	assert.False(t, ok)

	local, _ := session.Task("A")
	assert.Equal(t, "edited", local.Text)
	assert.Equal(t, "remember", local.Notes)
	assert.Equal(t, 0, local.Order, "position is not part of a content update")
	assert.Nil(t, store.updates[1].fields.Order)
}

func TestUpdateTaskValidates(t *testing.T) {
	store := &stubStore{}
	c, _ := newTestCoordinator(t, store)

	assert.ErrorIs(t, c.UpdateTask(context.Background(), domain.Task{ID: "A", Text: " "}), domain.ErrEmptyText)
	assert.ErrorIs(t, c.UpdateTask(context.Background(), domain.Task{ID: "gone", Text: "x"}), domain.ErrTaskNotFound)
	assert.Empty(t, store.updates)
}

func TestSubtaskEditsWriteOnlyTouchedField(t *testing.T) {
	store := &stubStore{}
	c, session := newTestCoordinator(t, store)
	require.NoError(t, c.OpenDetail("A"))

	st, err := c.AddSubtask(context.Background(), "A", "buy milk")
	require.NoError(t, err)
	completed, err := c.ToggleSubtask(context.Background(), "A", st.ID)
	require.NoError(t, err)
	assert.True(t, completed)

	require.Len(t, store.updates, 2)
	for _, u := range store.updates {
		assert.Nil(t, u.fields.Text)
		assert.Nil(t, u.fields.Notes)
		require.NotNil(t, u.fields.Subtasks)
	}
	assert.Equal(t, []domain.Subtask{{ID: st.ID, Text: "buy milk", Completed: true}}, *store.updates[1].fields.Subtasks)

	require.NoError(t, c.RemoveSubtask(context.Background(), "A", st.ID))
	require.NoError(t, c.ClearNotes(context.Background(), "A"))
	assert.NotNil(t, store.updates[3].fields.Notes)
	assert.Nil(t, store.updates[3].fields.Subtasks)

	_, ok := session.Selected()
	assert.True(t, ok, "subtask edits keep the detail view open")
	local, _ := session.Task("A")
	assert.Empty(t, local.Subtasks)

	_, err = c.ToggleSubtask(context.Background(), "A", "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Len(t, store.updates, 4)
}

func TestIntentsAreTraced(t *testing.T) {
	exporter, cleanup := setupTestTracer(t)
	defer cleanup()

	store := &stubStore{}
	c, _ := newTestCoordinator(t, store)
	_, err := c.Move(context.Background(), MoveRequest{TaskID: "A", FromIndex: 0, ToDay: monday, ToIndex: 2})
	require.NoError(t, err)

	store.err = errors.New("unreachable")
	_, _ = c.Toggle(context.Background(), "A")

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	move := spans[0]
	assert.Equal(t, "coordinator.move", move.Name)
	assert.Equal(t, codes.Ok, move.Status.Code)
	attrs := attributesToMap(move.Attributes)
	assert.Equal(t, "u1", attrs["prism.owner_id"])
	assert.Equal(t, "A", attrs["prism.task_id"])
	assert.Equal(t, int64(3), attrs["prism.writes"])

	toggle := spans[1]
	assert.Equal(t, "coordinator.toggle", toggle.Name)
	assert.Equal(t, codes.Error, toggle.Status.Code)
	assert.Equal(t, "unreachable", toggle.Status.Description)
}

func TestFailuresAreLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	session := reconcile.NewSession("u1", nil, logger)
	session.ApplySnapshot([]domain.Task{{ID: "A", Day: monday}})
	c := New(&stubStore{err: errors.New("unreachable")}, session, logger)

	require.Error(t, c.Delete(context.Background(), "A"))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "task mutation failed", entry.Message)
	assert.Equal(t, "delete", entry.Data["op"])
	assert.Equal(t, "A", entry.Data["task"])
	assert.Equal(t, "u1", entry.Data["owner"])
}

func TestDetailSelectionIsSharedByAllClientsOfOwner(t *testing.T) {
	store := &stubStore{}
	logger, _ := test.NewNullLogger()
	firstTab, session := newTestCoordinator(t, store)
	secondTab := New(store, session, logger)

	require.NoError(t, firstTab.OpenDetail("B"))
	selected, ok := session.Selected()
	require.True(t, ok)
	assert.Equal(t, "B", selected.ID)

	secondTab.CloseDetail()
	_, ok = session.Selected()
	assert.False(t, ok)
}
