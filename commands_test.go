package main

import (
	"context"
	"errors"
	"testing"

	"chatsync/internal/services"
)

type scriptedRunner struct {
	results  []*services.Result
	err      error
	requests []services.Request
}

func (f *scriptedRunner) Run(ctx context.Context, req services.Request) (*services.Result, error) {
	f.requests = append(f.requests, req)
	res := f.results[len(f.requests)-1]
	if len(f.requests) == len(f.results) && f.err != nil {
		return res, f.err
	}
	return res, nil
}

func step(phase, next services.Phase, processed, offset int) *services.Result {
	res := &services.Result{Success: true, Phase: phase, NextPhase: next, ProcessedItems: processed, NextOffset: offset}
	res.Completed = next == services.PhaseDone
	res.NeedsContinue = !res.Completed
	return res
}

func TestRunInvocations(t *testing.T) {
	tests := []struct {
		name    string
		results []*services.Result
		err     error
		limit   int
		want    int
		wantErr bool
	}{
		{
			name: "pinned backfill runs to completion",
			results: []*services.Result{
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 100, 100),
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 100, 200),
				step(services.PhaseBackfillDormant, services.PhaseDone, 50, 0),
			},
			limit: 100,
			want:  3,
		},
		{
			name: "stops when an invocation makes no progress",
			results: []*services.Result{
				step(services.PhaseDiscoverLive, services.PhaseImportContacts, 30, 0),
				step(services.PhaseImportContacts, services.PhaseImportContacts, 0, 0),
				step(services.PhaseImportContacts, services.PhaseImportContacts, 0, 0),
			},
			limit: 100,
			want:  2,
		},
		{
			name: "respects the invocation limit",
			results: []*services.Result{
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 10),
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 20),
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 30),
			},
			limit: 2,
			want:  2,
		},
		{
			name: "returns the run error",
			results: []*services.Result{
				step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 10),
				{Instance: "sales", Error: "remote unavailable"},
			},
			err:     errors.New("remote unavailable"),
			limit:   5,
			want:    2,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{results: tt.results, err: tt.err}
			var seen []*services.Result
			req := services.Request{Instance: "sales", Phase: services.PhaseBackfillDormant, Pinned: true, ForceAvatars: true}

			err := runInvocations(context.Background(), runner, req, tt.limit, func(res *services.Result) error {
				seen = append(seen, res)
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(runner.requests) != tt.want || len(seen) != tt.want {
				t.Fatalf("invocations = %d, results = %d, want %d", len(runner.requests), len(seen), tt.want)
			}
			if first := runner.requests[0]; !first.Pinned || first.Phase != services.PhaseBackfillDormant {
				t.Errorf("first request = %+v", first)
			}
			for _, later := range runner.requests[1:] {
				if later.Phase != "" || later.Pinned || later.Offset != 0 || later.Instance != "sales" || !later.ForceAvatars {
					t.Errorf("follow-up request should resume stored progress, got %+v", later)
				}
			}
		})
	}
}

func TestRunInvocationsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{results: []*services.Result{
		step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 10),
		step(services.PhaseBackfillDormant, services.PhaseBackfillDormant, 10, 20),
	}}

	err := runInvocations(ctx, runner, services.Request{Instance: "sales"}, 10, func(*services.Result) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(runner.requests) != 1 {
		t.Errorf("invocations = %d, want 1", len(runner.requests))
	}
}
