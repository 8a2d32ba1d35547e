package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreHistory(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []Deployment{
		{ID: "a", Ref: "registry/app:v1", Phase: PhaseSucceeded},
		{ID: "b", Ref: "registry/app:v2", Phase: PhaseSucceeded},
		{ID: "c", Ref: "registry/app:v3", Phase: PhaseFailed, ErrorKind: KindHealthCheckTimeout, Message: "timed out", Polls: 6},
	}
	for i, d := range rows {
		d.Host, d.Port = "203.0.113.10", 80
		d.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Begin(ctx, Deployment{ID: d.ID, Ref: d.Ref, Host: d.Host, Port: d.Port, Phase: PhasePending, StartedAt: d.StartedAt}); err != nil {
			t.Fatalf("begin: %v", err)
		}
		d.FinishedAt = d.StartedAt.Add(20 * time.Second)
		if err := s.Finish(ctx, d); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	other := Deployment{ID: "z", Ref: "registry/app:v9", Host: "198.51.100.7", Port: 80, Phase: PhaseSucceeded, StartedAt: base.Add(time.Hour)}
	if err := s.Finish(ctx, other); err != nil {
		t.Fatalf("finish other: %v", err)
	}

	list, err := s.List(ctx, "203.0.113.10", 80, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[2].ID != "a" {
		t.Fatalf("list order %+v", list)
	}
	c := list[0]
	if c.Phase != PhaseFailed || c.ErrorKind != KindHealthCheckTimeout || c.Polls != 6 || c.Duration() != 20*time.Second {
		t.Fatalf("row %+v", c)
	}
	if all, _ := s.List(ctx, "", 0, 2); len(all) != 2 || all[0].ID != "z" {
		t.Fatalf("unfiltered list %+v", all)
	}

	last, err := s.LastSucceeded(ctx, "203.0.113.10", 80, "registry/app:v2")
	if err != nil || last == nil || last.ID != "a" {
		t.Fatalf("last succeeded excluding v2: %+v %v", last, err)
	}
	last, _ = s.LastSucceeded(ctx, "203.0.113.10", 80, "registry/app:v3")
	if last == nil || last.ID != "b" {
		t.Fatalf("last succeeded excluding v3: %+v", last)
	}
	if none, _ := s.LastSucceeded(ctx, "192.0.2.1", 80, ""); none != nil {
		t.Fatalf("expected nil for unknown host")
	}

	got, err := s.Get(ctx, "b")
	if err != nil || got == nil || got.Ref != "registry/app:v2" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if missing, err := s.Get(ctx, "nope"); missing != nil || err != nil {
		t.Fatalf("get missing: %+v %v", missing, err)
	}
}

func TestDeploymentRecord(t *testing.T) {
	d := Deployment{ID: "a", Ref: "registry/app:v1", Phase: PhaseFailed, ErrorKind: KindPullFailure, StartedAt: time.Unix(100, 0)}
	r := d.Record()
	if r.Phase != "FAILED" || r.ErrorKind != "PullFailure" || r.FinishedAt != nil {
		t.Fatalf("record %+v", r)
	}
}
