package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, zerolog.Nop()), mr
}

func createSessionWithTasks(t *testing.T, store *Store, shards int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := store.CreateSession(ctx, CreateSessionParams{
		SourcePath:    "/data/queries",
		FromDialect:   "databricks",
		ToDialect:     "e6",
		TotalFiles:    1,
		TotalQueries:  40000,
		UniqueQueries: int64(shards * 10000),
		TotalShards:   shards,
		FileStats: []models.FileStat{{
			FilePath:      "/data/queries/q.parquet",
			FileName:      "q.parquet",
			TotalRows:     40000,
			UniqueQueries: int64(shards * 10000),
			Shards:        shards,
		}},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	taskIDs := make([]string, 0, shards)
	for r := 0; r < shards; r++ {
		id, err := store.CreateTask(ctx, sessionID, "/data/queries/q.parquet", r, shards, 10000)
		if err != nil {
			t.Fatalf("create task %d: %v", r, err)
		}
		taskIDs = append(taskIDs, id)
	}
	return sessionID, taskIDs
}

func assertCounterSum(t *testing.T, store *Store, sessionID string, totalShards int) {
	t.Helper()
	st, err := store.GetSessionStatus(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	sum := st.Progress.Pending + st.Progress.Processing + st.Progress.Completed + st.Progress.Failed
	if sum != int64(totalShards) {
		t.Fatalf("counter sum %d != total shards %d (%+v)", sum, totalShards, st.Progress)
	}
}

func TestCountersSumToTotalShardsThroughTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, taskIDs := createSessionWithTasks(t, store, 4)

	assertCounterSum(t, store, sessionID, 4)
	for _, id := range taskIDs {
		if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w1:abc", nil); err != nil {
			t.Fatalf("to processing: %v", err)
		}
		assertCounterSum(t, store, sessionID, 4)
	}
	for i, id := range taskIDs {
		status := models.TaskStatusCompleted
		if i == 0 {
			status = models.TaskStatusFailed
		}
		if err := store.TransitionTask(ctx, id, status, "w1:abc", nil); err != nil {
			t.Fatalf("to terminal: %v", err)
		}
		assertCounterSum(t, store, sessionID, 4)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, taskIDs := createSessionWithTasks(t, store, 2)
	id := taskIDs[0]

	// pending -> completed is not a legal move.
	if err := store.TransitionTask(ctx, id, models.TaskStatusCompleted, "w1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w1", nil); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	// Double claim must fail.
	if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w2", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double claim, got %v", err)
	}

	if err := store.TransitionTask(ctx, id, models.TaskStatusCompleted, "w1", nil); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	// Terminal states never reverse.
	if err := store.TransitionTask(ctx, id, models.TaskStatusFailed, "w1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after terminal, got %v", err)
	}

	if err := store.TransitionTask(ctx, "task_missing", models.TaskStatusProcessing, "w1", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSessionStatusScenario(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, taskIDs := createSessionWithTasks(t, store, 4)

	for _, id := range taskIDs {
		if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w1", nil); err != nil {
			t.Fatalf("to processing: %v", err)
		}
	}
	for i, id := range taskIDs {
		status := models.TaskStatusCompleted
		if i == 3 {
			status = models.TaskStatusFailed
		}
		if err := store.TransitionTask(ctx, id, status, "w1", &models.TaskSummary{Remainder: i}); err != nil {
			t.Fatalf("to terminal: %v", err)
		}
	}

	st, err := store.GetSessionStatus(ctx, sessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Progress.Completed != 3 || st.Progress.Failed != 1 || st.Progress.Pending != 0 || st.Progress.Processing != 0 {
		t.Fatalf("unexpected progress: %+v", st.Progress)
	}
	if st.Progress.CompletionPercentage != 100.0 {
		t.Fatalf("expected 100.0%%, got %v", st.Progress.CompletionPercentage)
	}

	won, err := store.TryCompleteSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("try complete: %v", err)
	}
	if !won {
		t.Fatal("expected the completion to win")
	}
	st, _ = store.GetSessionStatus(ctx, sessionID)
	if st.Status != models.SessionStatusCompleted {
		t.Fatalf("expected completed session, got %q", st.Status)
	}
}

func TestTryCompleteSessionIdempotentUnderConcurrency(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, taskIDs := createSessionWithTasks(t, store, 4)

	for _, id := range taskIDs {
		if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w1", nil); err != nil {
			t.Fatal(err)
		}
		if err := store.TransitionTask(ctx, id, models.TaskStatusCompleted, "w1", nil); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.TryCompleteSession(ctx, sessionID)
			if err != nil {
				t.Errorf("try complete: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning completion, got %d", winners)
	}
}

func TestTryCompleteSessionDeclinesWhileWorkRemains(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, taskIDs := createSessionWithTasks(t, store, 2)

	if err := store.TransitionTask(ctx, taskIDs[0], models.TaskStatusProcessing, "w1", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionTask(ctx, taskIDs[0], models.TaskStatusCompleted, "w1", nil); err != nil {
		t.Fatal(err)
	}

	won, err := store.TryCompleteSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("try complete: %v", err)
	}
	if won {
		t.Fatal("session completed while a shard is still pending")
	}
	st, _ := store.GetSessionStatus(ctx, sessionID)
	if st.Status != models.SessionStatusProcessing {
		t.Fatalf("expected processing, got %q", st.Status)
	}
}

func TestTaskRecordRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, taskIDs := createSessionWithTasks(t, store, 2)
	id := taskIDs[1]

	if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "host1:ab12cd34", nil); err != nil {
		t.Fatal(err)
	}
	sum := &models.TaskSummary{
		BatchID:           "s_batch_1",
		UniqueQueries:     120,
		SuccessfulQueries: 118,
		FailedQueries:     2,
		RowsStored:        120,
	}
	if err := store.TransitionTask(ctx, id, models.TaskStatusCompleted, "host1:ab12cd34", sum); err != nil {
		t.Fatal(err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %q", task.Status)
	}
	if task.WorkerID != "host1:ab12cd34" {
		t.Fatalf("worker id = %q", task.WorkerID)
	}
	if task.FinishedAt == nil || task.UpdatedAt == nil {
		t.Fatal("expected finished_at and updated_at stamps")
	}
	if task.Result == nil || task.Result.SuccessfulQueries != 118 {
		t.Fatalf("result = %+v", task.Result)
	}
}

func TestIncrementTaskRetry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, taskIDs := createSessionWithTasks(t, store, 1)

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementTaskRetry(ctx, taskIDs[0])
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("retry count = %d, want %d", got, want)
		}
	}
}

func TestRequeueTask(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, taskIDs := createSessionWithTasks(t, store, 1)
	id := taskIDs[0]

	if err := store.TransitionTask(ctx, id, models.TaskStatusProcessing, "w1", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.RequeueTask(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != models.TaskStatusPending {
		t.Fatalf("status after requeue = %q", task.Status)
	}
	assertCounterSum(t, store, sessionID, 1)

	// A pending task cannot be requeued again.
	if err := store.RequeueTask(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListSessionTasksOrdered(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID, _ := createSessionWithTasks(t, store, 5)

	tasks, err := store.ListSessionTasks(ctx, sessionID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Remainder != i {
			t.Fatalf("task %d has remainder %d", i, task.Remainder)
		}
	}
}

func TestCleanupOldSessions(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	oldID, oldTasks := createSessionWithTasks(t, store, 2)

	// Rewrite created_at to simulate an old session.
	mr.HSet(sessionKey(oldID), "created_at", time.Now().UTC().Add(-48*time.Hour).Format(timeLayout))

	freshID, _ := createSessionWithTasks(t, store, 1)

	removed, err := store.CleanupOldSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed session, got %d", removed)
	}
	if _, err := store.GetSessionStatus(ctx, oldID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old session still present: %v", err)
	}
	for _, tid := range oldTasks {
		if _, err := store.GetTask(ctx, tid); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("old task %s still present: %v", tid, err)
		}
	}
	if _, err := store.GetSessionStatus(ctx, freshID); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
}
