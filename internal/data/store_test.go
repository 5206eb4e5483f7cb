package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/normanking/cortex-orchestrator/internal/autollm"
	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/session"
)

var (
	_ session.Store         = (*Store)(nil)
	_ cost.UsageStore       = (*Store)(nil)
	_ autollm.SettingsStore = (*Store)(nil)
)

func TestSessionRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := &session.Session{
		ID:             "s1",
		ConversationID: "c1",
		Messages: []session.Message{
			{ID: "m1", Role: "user", Content: "hello", Timestamp: base},
		},
		CompressedHistory: "2 earlier messages",
		Metadata:          session.Metadata{MessageCount: 3, CompressionCount: 1},
		CreatedAt:         base,
		UpdatedAt:         base,
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.ConversationID != "c1" || len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Metadata.CompressionCount != 1 || got.CompressedHistory != "2 earlier messages" {
		t.Errorf("metadata not preserved: %+v", got.Metadata)
	}

	sess.Messages = append(sess.Messages, session.Message{ID: "m2", Role: "assistant", Content: "hi"})
	sess.UpdatedAt = base.Add(time.Minute)
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("second SaveSession failed: %v", err)
	}
	got, err = store.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(got.Messages))
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := store.LoadSession(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadSession after delete = %v, want ErrNotFound", err)
	}
}

func TestListSessionsOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new", "mid"} {
		offset := map[string]time.Duration{"old": 0, "mid": time.Hour, "new": 2 * time.Hour}[id]
		s := &session.Session{ID: id, ConversationID: id, CreatedAt: base, UpdatedAt: base.Add(offset)}
		s.Metadata.MessageCount = i
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession %s failed: %v", id, err)
		}
	}

	list, err := store.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	if len(ids) != 3 || ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Errorf("order = %v", ids)
	}

	list, err = store.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions limit failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("limit 2 returned %d", len(list))
	}
}

func TestManagerWithSQLiteStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m, err := session.NewManager(session.Options{Store: store, CompressionThreshold: 4, Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	s, err := m.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.AddMessage(ctx, s.ID, session.Message{Role: "user", Content: "ping"}, nil); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	stored, err := store.LoadSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if stored.Metadata.MessageCount != 5 || stored.Metadata.CompressionCount != 1 {
		t.Errorf("stored metadata = %+v", stored.Metadata)
	}
	if len(stored.Messages) != 3 {
		t.Errorf("stored messages = %d, want 3", len(stored.Messages))
	}
}

func TestUsageLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	clock := day1
	tracker := cost.NewTracker(cost.Options{
		Pricing: cost.PricingTable{"providerA": {Models: map[string]cost.Rates{"modelX": {Input: 2.5, Output: 10}}}},
		Store:   store,
		Logger:  logging.Nop(),
		Now:     func() time.Time { return clock },
	})

	tok := cost.Tokens{Input: 1000, Output: 500}
	if _, _, err := tracker.Record(ctx, "conv", "providerA", "modelX", tok); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	clock = day2
	if _, _, err := tracker.Record(ctx, "conv", "providerA", "modelX", tok); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	all, err := store.ListUsage(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("records = %d, want 2", len(all))
	}
	if !all[0].CreatedAt.Equal(day1) || all[0].InputTokens != 1000 {
		t.Errorf("first record = %+v", all[0])
	}

	recent, err := store.ListUsage(ctx, day2)
	if err != nil {
		t.Fatalf("ListUsage since failed: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("records since day2 = %d, want 1", len(recent))
	}

	fresh := cost.NewTracker(cost.Options{Pricing: tracker.Pricing(), Store: store, Logger: logging.Nop(), Now: func() time.Time { return day2 }})
	if err := fresh.Rehydrate(ctx, time.Time{}); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	cu, ok := fresh.Conversation("conv")
	if !ok || cu.Calls != 2 {
		t.Fatalf("rehydrated conversation = %+v, %v", cu, ok)
	}
	if diff := cu.Cost - 0.015; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("rehydrated cost = %v, want 0.015", cu.Cost)
	}
}

func TestSettings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetSetting missing = %v, %v", ok, err)
	}
	if err := store.SetSetting(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := store.SetSetting(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}
	v, ok, err := store.GetSetting(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("GetSetting = %q, %v, %v", v, ok, err)
	}
}

func TestSelectorSettingsPersist(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sel := autollm.NewSelector(autollm.Options{Logger: logging.Nop()})
	if err := sel.ApplySettings(autollm.Settings{
		Current:      "anthropic",
		Priority:     []string{"anthropic", "openai"},
		AutoSelect:   true,
		AutoFallback: true,
		Strategy:     autollm.StrategyQuality,
	}); err != nil {
		t.Fatalf("ApplySettings failed: %v", err)
	}
	if err := autollm.SaveSettings(ctx, store, sel); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	restored := autollm.NewSelector(autollm.Options{Logger: logging.Nop()})
	found, err := autollm.LoadSettings(ctx, store, restored)
	if err != nil || !found {
		t.Fatalf("LoadSettings = %v, %v", found, err)
	}
	got := restored.Settings()
	if got.Current != "anthropic" || got.Strategy != autollm.StrategyQuality || len(got.Priority) != 2 {
		t.Errorf("restored settings = %+v", got)
	}
}
