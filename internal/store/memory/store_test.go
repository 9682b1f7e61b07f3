package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"watchalert/internal/domain"
)

func TestEventStore_Operations(t *testing.T) {
	s := NewEventStore()
	ctx := context.Background()

	// Test Get on empty store
	got, err := s.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != nil {
		t.Error("Expected nil for non-existent event")
	}

	event := &domain.Event{
		Fingerprint: "fp-1",
		RuleID:      "r-1",
		Status:      domain.EventFiring,
		Labels:      map[string]string{"env": "prod"},
	}
	if err := s.Save(ctx, event); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	// Mutating the caller's copy must not leak into the store
	event.Labels["env"] = "dev"

	got, err = s.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got == nil {
		t.Fatal("Expected event to be found")
	}
	if got.Labels["env"] != "prod" {
		t.Errorf("Labels[env] = %v, want prod", got.Labels["env"])
	}

	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Errorf("List len = %d, want 1", len(list))
	}

	if err := s.Delete(ctx, "fp-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	got, _ = s.Get(ctx, "fp-1")
	if got != nil {
		t.Error("Event should be deleted")
	}
}

func TestRuleRepository(t *testing.T) {
	r := NewRuleRepository()
	ctx := context.Background()

	if _, err := r.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrRuleNotFound) {
		t.Errorf("GetByID error = %v, want ErrRuleNotFound", err)
	}

	_ = r.Save(ctx, &domain.Rule{ID: "b", Name: "second"})
	_ = r.Save(ctx, &domain.Rule{ID: "a", Name: "first"})
	_ = r.Save(ctx, &domain.Rule{ID: "a", Name: "first v2"})

	list, _ := r.List(ctx)
	if len(list) != 2 || list[0].ID != "a" || list[0].Name != "first v2" {
		t.Errorf("List = %+v, want a (v2), b", list)
	}

	if err := r.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := r.Delete(ctx, "a"); !errors.Is(err, domain.ErrRuleNotFound) {
		t.Errorf("second Delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestDocumentRepository(t *testing.T) {
	repos := NewConfigRepositories()
	ctx := context.Background()

	if _, err := repos.FaultCenters.Get(ctx, "fc"); !errors.Is(err, domain.ErrFaultCenterNotFound) {
		t.Errorf("Get error = %v, want ErrFaultCenterNotFound", err)
	}
	if err := repos.Templates.Delete(ctx, "tpl"); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("Delete error = %v, want ErrTemplateNotFound", err)
	}

	_ = repos.FaultCenters.Put(ctx, "fc", &domain.FaultCenter{ID: "fc", RecoverWaitTimeSeconds: 30})
	fc, err := repos.FaultCenters.Get(ctx, "fc")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if fc.RecoverWaitTimeSeconds != 30 {
		t.Errorf("RecoverWaitTimeSeconds = %d, want 30", fc.RecoverWaitTimeSeconds)
	}
}

func TestHistoryRepository_Limit(t *testing.T) {
	r := NewHistoryRepository()
	ctx := context.Background()

	for _, to := range []domain.EventStatus{domain.EventPreAlert, domain.EventFiring, domain.EventPendingRecovery} {
		_ = r.Append(ctx, &domain.EventTransition{Fingerprint: "fp", To: to})
	}

	all, _ := r.ListByFingerprint(ctx, "fp", 0)
	if len(all) != 3 || all[0].To != domain.EventPreAlert {
		t.Errorf("ListByFingerprint = %+v, want 3 oldest first", all)
	}
	last, _ := r.ListByFingerprint(ctx, "fp", 1)
	if len(last) != 1 || last[0].To != domain.EventPendingRecovery {
		t.Errorf("ListByFingerprint(limit 1) = %+v, want latest", last)
	}
}

func TestNoticeRecordRepository_Filter(t *testing.T) {
	r := NewNoticeRecordRepository()
	ctx := context.Background()
	base := time.Now()

	_ = r.Create(ctx, &domain.NoticeRecord{ID: "1", Fingerprint: "a", Status: domain.NoticeSent, CreatedAt: base})
	_ = r.Create(ctx, &domain.NoticeRecord{ID: "2", Fingerprint: "a", Status: domain.NoticeFailed, CreatedAt: base.Add(time.Second)})
	_ = r.Create(ctx, &domain.NoticeRecord{ID: "3", Fingerprint: "b", Status: domain.NoticeSent, CreatedAt: base.Add(2 * time.Second)})

	tests := []struct {
		name    string
		filter  domain.NoticeRecordFilter
		wantIDs []string
	}{
		{name: "all newest first", filter: domain.NoticeRecordFilter{}, wantIDs: []string{"3", "2", "1"}},
		{name: "by fingerprint", filter: domain.NoticeRecordFilter{Fingerprint: "a"}, wantIDs: []string{"2", "1"}},
		{name: "by status", filter: domain.NoticeRecordFilter{Status: domain.NoticeSent}, wantIDs: []string{"3", "1"}},
		{name: "paged", filter: domain.NoticeRecordFilter{Limit: 1, Offset: 1}, wantIDs: []string{"2"}},
		{name: "offset past end", filter: domain.NoticeRecordFilter{Offset: 5}, wantIDs: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("List len = %d, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("List[%d].ID = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}
