package training

import (
	"math"

	"github.com/tsawler/go-seg/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are stateful: Step advances them by one training iteration and
// their full state round-trips through checkpoints.
type LRScheduler interface {
	// Step advances the schedule by one iteration.
	Step()

	// LR returns the learning rate for the current iteration.
	LR() float64

	// Name returns the scheduler name for logging.
	Name() string

	// State exports the schedule position for checkpointing.
	State() *checkpoints.SchedulerState

	// LoadState restores a previously exported schedule position.
	LoadState(state *checkpoints.SchedulerState) error
}

// PolyLRScheduler decays the learning rate polynomially towards zero over a
// fixed iteration budget: baseLR * (1 - iter/maxIters)^power.
type PolyLRScheduler struct {
	BaseLR   float64
	MaxIters int
	Power    float64

	lastIter int
}

// NewPolyLRScheduler creates a polynomial decay scheduler.
func NewPolyLRScheduler(baseLR float64, maxIters int, power float64) *PolyLRScheduler {
	if power <= 0 {
		power = 0.9
	}
	if maxIters <= 0 {
		maxIters = 1
	}
	return &PolyLRScheduler{
		BaseLR:   baseLR,
		MaxIters: maxIters,
		Power:    power,
	}
}

func (s *PolyLRScheduler) Step() {
	s.lastIter++
}

func (s *PolyLRScheduler) LR() float64 {
	frac := float64(s.lastIter) / float64(s.MaxIters)
	if frac > 1 {
		frac = 1
	}
	return s.BaseLR * math.Pow(1-frac, s.Power)
}

func (s *PolyLRScheduler) Name() string {
	return "PolyLR"
}

func (s *PolyLRScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Policy:   s.Name(),
		BaseLR:   s.BaseLR,
		LastIter: s.lastIter,
		MaxIters: s.MaxIters,
		Power:    s.Power,
	}
}

func (s *PolyLRScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return nil
	}
	s.BaseLR = state.BaseLR
	s.lastIter = state.LastIter
	if state.MaxIters > 0 {
		s.MaxIters = state.MaxIters
	}
	if state.Power > 0 {
		s.Power = state.Power
	}
	return nil
}

// StepLRScheduler reduces the learning rate by a factor every stepSize
// iterations.
type StepLRScheduler struct {
	BaseLR   float64
	StepSize int
	Gamma    float64

	lastIter int
}

// NewStepLRScheduler creates a step decay scheduler.
func NewStepLRScheduler(baseLR float64, stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 10000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		BaseLR:   baseLR,
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) Step() {
	s.lastIter++
}

func (s *StepLRScheduler) LR() float64 {
	times := s.lastIter / s.StepSize
	return s.BaseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) Name() string {
	return "StepLR"
}

func (s *StepLRScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Policy:   s.Name(),
		BaseLR:   s.BaseLR,
		LastIter: s.lastIter,
		StepSize: s.StepSize,
		Gamma:    s.Gamma,
	}
}

func (s *StepLRScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return nil
	}
	s.BaseLR = state.BaseLR
	s.lastIter = state.LastIter
	if state.StepSize > 0 {
		s.StepSize = state.StepSize
	}
	if state.Gamma > 0 {
		s.Gamma = state.Gamma
	}
	return nil
}
