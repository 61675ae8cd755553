package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stressd/internal/anxiety"
	"stressd/internal/baseline"
	"stressd/internal/intervention"
	"stressd/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("schema invalid: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current %d, latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected sessions table to be missing after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("schema invalid after re-migration: %v", err)
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadBaseline(ctx)
	if err != nil {
		t.Fatalf("LoadBaseline failed: %v", err)
	}
	if ok {
		t.Fatal("expected no baseline in a new database")
	}

	want := baseline.Data{
		SessionStart:    t0,
		LastActivity:    t0.Add(10 * time.Minute),
		TotalKeystrokes: 2000,
		TotalBackspaces: 150,
		TotalCompiles:   12,
		FailedCompiles:  3,
		Sessions:        1,
	}
	if err := s.SaveBaseline(ctx, want); err != nil {
		t.Fatalf("SaveBaseline failed: %v", err)
	}

	want.TotalKeystrokes = 1900
	want.Sessions = 2
	if err := s.SaveBaseline(ctx, want); err != nil {
		t.Fatalf("SaveBaseline update failed: %v", err)
	}

	got, ok, err := s.LoadBaseline(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadBaseline: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("baseline mismatch:\n got %+v\nwant %+v", got, want)
	}

	if err := s.ClearBaseline(ctx); err != nil {
		t.Fatalf("ClearBaseline failed: %v", err)
	}
	if _, ok, _ := s.LoadBaseline(ctx); ok {
		t.Error("expected baseline to be cleared")
	}
}

func TestBaselineTrackerRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tr := baseline.New()
	tr.Update(session.Snapshot{
		SessionStart:    t0,
		LastActivity:    t0.Add(5 * time.Minute),
		TotalKeystrokes: 1000,
	})
	snap, _ := tr.Snapshot()
	if err := s.SaveBaseline(ctx, snap); err != nil {
		t.Fatalf("SaveBaseline failed: %v", err)
	}

	restored := baseline.New()
	d, ok, err := s.LoadBaseline(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadBaseline: ok=%v err=%v", ok, err)
	}
	restored.Restore(d)
	wpm, ok := restored.Velocity()
	if !ok || wpm != 40 {
		t.Errorf("restored velocity = %v, %v; want 40, true", wpm, ok)
	}
}

func sampleIntervention(id string, level anxiety.Level, at time.Time) intervention.Intervention {
	return intervention.Intervention{
		ID:                id,
		Timestamp:         at,
		Level:             level,
		Type:              intervention.TypeErrorHint,
		Severity:          intervention.SeverityFor(level),
		Title:             "Stuck on an error?",
		Message:           "You've encountered: undeclared",
		Hint:              "Declare variables before using them",
		ErrorType:         "undeclared",
		Options:           []string{"Show Hint", "Dismiss"},
		ReliefScore:       intervention.NoRelief,
		Confidence:        0.85,
		TriggeredFeatures: []string{"Repeated Errors"},
	}
}

func TestInterventionUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	iv := sampleIntervention("INT_1", anxiety.High, t0)
	if err := s.SaveIntervention(ctx, iv); err != nil {
		t.Fatalf("SaveIntervention failed: %v", err)
	}

	iv.Accepted = true
	iv.ResponseTime = t0.Add(30 * time.Second)
	iv.ReliefScore = 8
	iv.Title = "ignored on update"
	if err := s.SaveIntervention(ctx, iv); err != nil {
		t.Fatalf("SaveIntervention update failed: %v", err)
	}

	list, err := s.ListInterventions(ctx, 0)
	if err != nil {
		t.Fatalf("ListInterventions failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 intervention, got %d", len(list))
	}
	got := list[0]
	if !got.Accepted || got.ReliefScore != 8 || !got.ResponseTime.Equal(iv.ResponseTime) {
		t.Errorf("response not stored: %+v", got)
	}
	if got.Title != "Stuck on an error?" {
		t.Errorf("title changed on update: %q", got.Title)
	}
	if got.Level != anxiety.High || got.Type != "error_hint" || got.Severity != "warning" {
		t.Errorf("unexpected classification fields: %+v", got)
	}
	if len(got.Options) != 2 || got.TriggeredFeatures[0] != "Repeated Errors" {
		t.Errorf("lists not round-tripped: %+v", got)
	}
}

func TestListInterventionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"INT_a", "INT_b", "INT_c"} {
		if err := s.SaveIntervention(ctx, sampleIntervention(id, anxiety.High, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListInterventions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "INT_c" || list[1].ID != "INT_b" {
		t.Errorf("unexpected order: %v", list)
	}
	if !list[0].ResponseTime.IsZero() {
		t.Error("expected no response time")
	}
}

func TestFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, r := range []int{5, 2} {
		fb := intervention.Feedback{
			Timestamp:      t0.Add(time.Duration(i) * time.Second),
			InterventionID: "INT_1",
			Rating:         r,
			Comment:        "c",
			Helpful:        r >= intervention.HelpfulRating,
		}
		if err := s.SaveFeedback(ctx, fb); err != nil {
			t.Fatalf("SaveFeedback failed: %v", err)
		}
	}
	if err := s.SaveFeedback(ctx, intervention.Feedback{InterventionID: "x", Rating: 9}); err == nil {
		t.Error("expected rating constraint violation")
	}

	list, err := s.ListFeedback(ctx)
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 feedback rows, got %d", len(list))
	}
	if !list[0].Helpful || list[1].Helpful || !list[0].Timestamp.Equal(t0) {
		t.Errorf("unexpected feedback: %+v", list)
	}
}

func TestSessionsAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sum := session.Summary{
		SessionID:       "5d0c4f1e-7a65-4c4b-9a51-2f0f6a3b9e10",
		Start:           t0,
		End:             t0.Add(20 * time.Minute),
		TotalKeystrokes: 3000,
		TotalBackspaces: 200,
		TotalCompiles:   10,
		FailedCompiles:  4,
		RepeatedErrors:  2,
		WPM:             30,
	}
	id, err := s.SaveSession(ctx, sum, "/data/session_20260401_142000.csv")
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive id, got %d", id)
	}
	sum.Start = t0.Add(time.Hour)
	sum.End = sum.Start.Add(time.Minute)
	sum.TotalKeystrokes = 100
	if _, err := s.SaveSession(ctx, sum, ""); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].TotalKeystrokes != 100 || sessions[1].ExportPath == "" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}
	if len(sessions) == 2 && sessions[1].SessionID != sum.SessionID {
		t.Errorf("expected session id %s, got %s", sum.SessionID, sessions[1].SessionID)
	}

	a := sampleIntervention("INT_a", anxiety.High, t0)
	a.ReliefScore = 6
	a.Accepted = true
	b := sampleIntervention("INT_b", anxiety.Extreme, t0)
	b.ReliefScore = 0
	c := sampleIntervention("INT_c", anxiety.High, t0)
	c.ReliefScore = 8
	for _, iv := range []intervention.Intervention{a, b, c} {
		if err := s.SaveIntervention(ctx, iv); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveFeedback(ctx, intervention.Feedback{Timestamp: t0, InterventionID: "INT_a", Rating: 4, Helpful: true}); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Sessions != 2 || st.Keystrokes != 3100 || st.FailedCompiles != 8 {
		t.Errorf("session stats wrong: %+v", st)
	}
	if st.Interventions != 3 || st.Accepted != 1 {
		t.Errorf("intervention stats wrong: %+v", st)
	}
	if st.ByLevel[anxiety.High] != 2 || st.ByLevel[anxiety.Extreme] != 1 {
		t.Errorf("level counts wrong: %v", st.ByLevel)
	}
	if st.AverageRelief != 7 {
		t.Errorf("average relief = %v, want 7", st.AverageRelief)
	}
	if st.FeedbackCount != 1 || st.AverageRating != 4 || st.HelpfulFeedback != 1 {
		t.Errorf("feedback stats wrong: %+v", st)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := openTestStore(t)
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Sessions != 0 || st.Interventions != 0 || st.AverageRelief != 0 || st.AverageRating != 0 {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

var (
	_ baseline.Persister    = (*Store)(nil)
	_ intervention.Recorder = (*Store)(nil)
)
