package training

import (
	"math"
	"testing"
)

func TestPolyLRDecay(t *testing.T) {
	s := NewPolyLRScheduler(0.01, 100, 0.9)

	if got := s.LR(); got != 0.01 {
		t.Errorf("expected base LR at start, got %f", got)
	}

	prev := s.LR()
	for i := 0; i < 100; i++ {
		s.Step()
		lr := s.LR()
		if lr > prev {
			t.Fatalf("LR increased at step %d: %f -> %f", i+1, prev, lr)
		}
		prev = lr
	}
	if got := s.LR(); got != 0 {
		t.Errorf("expected LR 0 at budget end, got %f", got)
	}

	// past the budget, LR stays clamped at zero
	s.Step()
	if got := s.LR(); got != 0 {
		t.Errorf("expected LR 0 past budget, got %f", got)
	}
}

func TestPolyLRStateRoundTrip(t *testing.T) {
	a := NewPolyLRScheduler(0.01, 1000, 0.9)
	for i := 0; i < 137; i++ {
		a.Step()
	}

	b := NewPolyLRScheduler(0.5, 10, 0.5)
	if err := b.LoadState(a.State()); err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if a.LR() != b.LR() {
		t.Errorf("restored LR %f differs from original %f", b.LR(), a.LR())
	}

	a.Step()
	b.Step()
	if a.LR() != b.LR() {
		t.Errorf("schedules diverge after restore: %f vs %f", b.LR(), a.LR())
	}
}

func TestStepLRDecay(t *testing.T) {
	s := NewStepLRScheduler(0.1, 10, 0.1)

	tests := []struct {
		steps int
		want  float64
	}{
		{0, 0.1},
		{9, 0.1},
		{10, 0.01},
		{25, 0.001},
	}
	for _, tt := range tests {
		s := NewStepLRScheduler(0.1, 10, 0.1)
		for i := 0; i < tt.steps; i++ {
			s.Step()
		}
		if got := s.LR(); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("after %d steps expected LR %f, got %f", tt.steps, tt.want, got)
		}
	}

	state := s.State()
	if state.Policy != "StepLR" || state.StepSize != 10 {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestStepLRStateRoundTrip(t *testing.T) {
	a := NewStepLRScheduler(0.1, 7, 0.5)
	for i := 0; i < 20; i++ {
		a.Step()
	}

	b := NewStepLRScheduler(1, 1, 0.9)
	if err := b.LoadState(a.State()); err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if a.LR() != b.LR() {
		t.Errorf("restored LR %f differs from original %f", b.LR(), a.LR())
	}
}
