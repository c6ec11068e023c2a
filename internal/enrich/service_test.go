package enrich

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/store"
)

func TestParseChunkID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		baseID  string
		index   int
		wantErr bool
	}{
		{"doc-1:0", "doc-1", 0, false},
		{"doc-1:42", "doc-1", 42, false},
		{"ns:doc:with:colons:7", "ns:doc:with:colons", 7, false},
		{"doc-1", "", 0, true},
		{"doc-1:", "", 0, true},
		{":5", "", 0, true},
		{"doc-1:-3", "", 0, true},
		{"doc-1:abc", "", 0, true},
		{"", "", 0, true},
	}

	for _, tc := range cases {
		baseID, index, err := ParseChunkID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseChunkID(%q): expected error", tc.in)
			} else if errs.KindOf(err) != errs.KindChunkIDInvalid {
				t.Errorf("ParseChunkID(%q): want CHUNK_ID_INVALID, got %v", tc.in, errs.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChunkID(%q): %v", tc.in, err)
			continue
		}
		if baseID != tc.baseID || index != tc.index {
			t.Errorf("ParseChunkID(%q): want (%q, %d), got (%q, %d)", tc.in, tc.baseID, tc.index, baseID, index)
		}
	}
}

// fakeEnrichStore implements Store in memory.
type fakeEnrichStore struct {
	tasks map[string]*store.Task
	doc   *store.Document

	completed  []string
	retried    []string
	dead       []string
	lastChunk  *store.ChunkResultUpdate
	lastDoc    *store.DocSummaryUpdate
	lastError  json.RawMessage
	recovered  int
	lastMerged []store.ExtractedEntity
}

func newFakeEnrichStore() *fakeEnrichStore {
	return &fakeEnrichStore{
		tasks: map[string]*store.Task{},
		doc:   &store.Document{ID: "doc-uuid", BaseID: "base-1", Collection: "default"},
	}
}

func (f *fakeEnrichStore) addTask(id string, attempt, max int, payload store.TaskPayload) {
	body, _ := json.Marshal(payload)
	f.tasks[id] = &store.Task{
		ID: id, Queue: store.QueueEnrichment, Status: store.TaskPending,
		Payload: body, Attempt: attempt, MaxAttempts: max,
		RunAfter: time.Now(), CreatedAt: time.Now(),
	}
}

func (f *fakeEnrichStore) ClaimTask(_ context.Context, workerID string, lease time.Duration) (*store.Task, error) {
	for _, t := range f.tasks {
		if t.Status == store.TaskPending {
			t.Status = store.TaskProcessing
			until := time.Now().Add(lease)
			t.LeasedUntil = &until
			t.WorkerID = workerID
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeEnrichStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task %s not found", id)
	}
	return t, nil
}

func (f *fakeEnrichStore) CompleteTask(_ context.Context, taskID string, chunk *store.ChunkResultUpdate, doc *store.DocSummaryUpdate) error {
	f.completed = append(f.completed, taskID)
	f.lastChunk = chunk
	f.lastDoc = doc
	f.tasks[taskID].Status = store.TaskCompleted
	return nil
}

func (f *fakeEnrichStore) RetryTask(_ context.Context, taskID string, _ time.Duration) error {
	f.retried = append(f.retried, taskID)
	t := f.tasks[taskID]
	t.Status = store.TaskPending
	t.Attempt++
	return nil
}

func (f *fakeEnrichStore) DeadLetterTask(_ context.Context, taskID, _ string, _ int, errorBlob json.RawMessage) error {
	f.dead = append(f.dead, taskID)
	f.lastError = errorBlob
	f.tasks[taskID].Status = store.TaskDead
	return nil
}

func (f *fakeEnrichStore) RecoverStaleTasks(context.Context) (int, error) {
	return f.recovered, nil
}

func (f *fakeEnrichStore) TaskQueueStats(context.Context, string, string) (*store.QueueStats, error) {
	return &store.QueueStats{Tasks: map[string]int{"pending": 1}, Chunks: map[string]int{}}, nil
}

func (f *fakeEnrichStore) ClearTasks(context.Context, string, string) (int, error) { return 2, nil }

func (f *fakeEnrichStore) GetDocumentByBaseID(_ context.Context, baseID, _ string) (*store.Document, error) {
	if f.doc == nil || f.doc.BaseID != baseID {
		return nil, errs.New(errs.KindNotFound, "document not found")
	}
	return f.doc, nil
}

func (f *fakeEnrichStore) ChunksByDocument(context.Context, string) ([]store.Chunk, error) {
	return []store.Chunk{{ChunkIndex: 0, Text: "alpha"}, {ChunkIndex: 1, Text: "beta"}}, nil
}

func (f *fakeEnrichStore) MergeEntities(_ context.Context, _ string, ents []store.ExtractedEntity, _ []store.ExtractedRelationship) error {
	f.lastMerged = ents
	return nil
}

func (f *fakeEnrichStore) EnrichmentStatusByBase(context.Context, string, string) (map[string]int, error) {
	return map[string]int{store.EnrichmentEnriched: 2}, nil
}

func newService(t *testing.T, st Store) *Service {
	t.Helper()
	svc, err := New(st, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return svc
}

func TestClaim_ReturnsPayloadAndDocumentChunks(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 1, 3, store.TaskPayload{
		ChunkID: "base-1:0", BaseID: "base-1", ChunkIndex: 0,
		Collection: "default", Text: "alpha",
	})
	svc := newService(t, st)

	claimed, err := svc.Claim(context.Background(), "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed task")
	}
	if claimed.TaskID != "t1" || claimed.Attempt != 1 {
		t.Errorf("claimed: %+v", claimed)
	}
	if len(claimed.DocumentChunks) != 2 || claimed.DocumentChunks[0] != "alpha" {
		t.Errorf("document chunks: %v", claimed.DocumentChunks)
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	t.Parallel()

	svc := newService(t, newFakeEnrichStore())
	claimed, err := svc.Claim(context.Background(), "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Errorf("want nil for empty queue, got %+v", claimed)
	}
}

func TestSubmitResult_PromotesSummariesAndStrips(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 1, 3, store.TaskPayload{
		ChunkID: "base-1:0", BaseID: "base-1", ChunkIndex: 0, Collection: "default",
	})
	svc := newService(t, st)

	err := svc.SubmitResult(context.Background(), "t1", &Result{
		ChunkID: "base-1:0",
		Tier2:   map[string]any{"keywords": []string{"k"}},
		Tier3: map[string]any{
			"summary_medium": "S",
			"topics":         []string{"a"},
			"_error":         "stale",
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(st.completed) != 1 {
		t.Fatalf("completed: %v", st.completed)
	}
	// Summary promotion: summary falls back to summary_medium.
	if st.lastDoc == nil || st.lastDoc.SummaryMedium != "S" || st.lastDoc.Summary != "S" {
		t.Errorf("doc update: %+v", st.lastDoc)
	}

	// Stored tier3 has summaries and _error stripped, other keys kept.
	var tier3 map[string]any
	if err := json.Unmarshal(st.lastChunk.Tier3Meta, &tier3); err != nil {
		t.Fatalf("unmarshal tier3: %v", err)
	}
	if _, found := tier3["summary_medium"]; found {
		t.Error("summary_medium must be stripped from chunk tier3")
	}
	if _, found := tier3["_error"]; found {
		t.Error("_error must be stripped from submitted tier3")
	}
	if _, found := tier3["topics"]; !found {
		t.Error("non-summary tier3 keys must be kept")
	}
}

func TestSubmitResult_InvalidChunkID(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 1, 3, store.TaskPayload{ChunkID: "base-1:0", BaseID: "base-1"})
	svc := newService(t, st)

	err := svc.SubmitResult(context.Background(), "t1", &Result{ChunkID: "not-a-chunk-id"})
	if errs.KindOf(err) != errs.KindChunkIDInvalid {
		t.Errorf("kind: want CHUNK_ID_INVALID, got %v (%v)", errs.KindOf(err), err)
	}
}

func TestSubmitResult_TaskNotFound(t *testing.T) {
	t.Parallel()

	svc := newService(t, newFakeEnrichStore())
	err := svc.SubmitResult(context.Background(), "missing", &Result{ChunkID: "base-1:0"})
	if errs.KindOf(err) != errs.KindTaskNotFound {
		t.Errorf("kind: want TASK_NOT_FOUND, got %v", errs.KindOf(err))
	}
}

func TestSubmitResult_MergesEntities(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 1, 3, store.TaskPayload{ChunkID: "base-1:0", BaseID: "base-1", Collection: "default"})
	svc := newService(t, st)

	err := svc.SubmitResult(context.Background(), "t1", &Result{
		ChunkID:  "base-1:0",
		Entities: []store.ExtractedEntity{{Name: "Ada", Type: "person"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(st.lastMerged) != 1 || st.lastMerged[0].Name != "Ada" {
		t.Errorf("merged entities: %+v", st.lastMerged)
	}
}

func TestFail_RetryBelowCeiling(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 1, 3, store.TaskPayload{ChunkID: "base-1:0", BaseID: "base-1", Collection: "default"})
	svc := newService(t, st)

	final, err := svc.Fail(context.Background(), "t1", &Failure{Message: "boom"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if final {
		t.Error("first failure must not be final")
	}
	if len(st.retried) != 1 || len(st.dead) != 0 {
		t.Errorf("retried=%v dead=%v", st.retried, st.dead)
	}
}

func TestFail_DeadLetterAtCeiling(t *testing.T) {
	t.Parallel()

	st := newFakeEnrichStore()
	st.addTask("t1", 3, 3, store.TaskPayload{
		ChunkID: "base-1:2", BaseID: "base-1", ChunkIndex: 2, Collection: "default",
	})
	svc := newService(t, st)

	final, err := svc.Fail(context.Background(), "t1", &Failure{Message: "llm exploded"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !final {
		t.Error("failure at the attempt ceiling must be final")
	}
	if len(st.dead) != 1 {
		t.Fatalf("dead: %v", st.dead)
	}

	var blob map[string]any
	if err := json.Unmarshal(st.lastError, &blob); err != nil {
		t.Fatalf("unmarshal error blob: %v", err)
	}
	if blob["message"] != "llm exploded" {
		t.Errorf("message: %v", blob["message"])
	}
	if blob["final"] != true {
		t.Errorf("final: %v", blob["final"])
	}
	if blob["chunkIndex"] != float64(2) {
		t.Errorf("chunkIndex: %v", blob["chunkIndex"])
	}
	if blob["attempt"] != float64(3) || blob["maxAttempts"] != float64(3) {
		t.Errorf("attempts: %v/%v", blob["attempt"], blob["maxAttempts"])
	}
	if blob["taskId"] != "t1" {
		t.Errorf("taskId: %v", blob["taskId"])
	}
}

func TestStatus_Aggregation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		counts map[string]int
		want   string
	}{
		{map[string]int{store.EnrichmentEnriched: 3}, store.EnrichmentEnriched},
		{map[string]int{store.EnrichmentEnriched: 2, store.EnrichmentFailed: 1}, store.EnrichmentFailed},
		{map[string]int{store.EnrichmentPending: 1, store.EnrichmentEnriched: 1}, store.EnrichmentPending},
		{map[string]int{store.EnrichmentProcessing: 1, store.EnrichmentPending: 1}, store.EnrichmentProcessing},
		{map[string]int{store.EnrichmentNone: 2}, store.EnrichmentNone},
	}
	for _, tc := range cases {
		if got := aggregateStatus(tc.counts); got != tc.want {
			t.Errorf("aggregateStatus(%v): want %s, got %s", tc.counts, tc.want, got)
		}
	}
}

func TestSplitSummaries_NoSummaryFields(t *testing.T) {
	t.Parallel()

	stripped, update := splitSummaries(map[string]any{"topics": []string{"x"}}, "doc")
	if update != nil {
		t.Errorf("no summaries submitted: want nil update, got %+v", update)
	}
	if _, found := stripped["topics"]; !found {
		t.Error("non-summary keys must survive")
	}
}
