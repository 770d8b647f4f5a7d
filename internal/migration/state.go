package migration

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

var (
	// ErrUnknownStep is returned for a step id not in the current list.
	ErrUnknownStep = errors.New("unknown migration step")
	// ErrStepOrder is returned when a step is started out of sequence.
	ErrStepOrder = errors.New("migration step out of order")
	// ErrNotRunning is returned for step transitions outside a run.
	ErrNotRunning = errors.New("migration is not running")
)

// Snapshot is an immutable copy of the state handed to observers.
type Snapshot struct {
	Steps         []Step            `json:"steps"`
	CurrentStep   int               `json:"current_step"`
	Phase         Phase             `json:"phase"`
	Progress      int               `json:"progress"`
	Prerequisites *Prerequisites    `json:"prerequisites,omitempty"`
	Source        models.VendorInfo `json:"source"`
	Target        string            `json:"target"`
	Tenant        string            `json:"tenant,omitempty"`
}

// Observer is notified after every state transition.
type Observer interface {
	StateChanged(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) StateChanged(s Snapshot) { f(s) }

// State is the single migration state of a session. Transitions are
// serialized; observers run after the lock is released, in the order they
// subscribed.
type State struct {
	mu        sync.Mutex
	steps     []Step
	index     map[string]int
	current   int
	phase     Phase
	progress  int
	prereq    *Prerequisites
	source    models.VendorInfo
	target    models.VendorDefinition
	tenant    string
	observers []Observer
}

func NewState() *State {
	return &State{phase: Phase{Kind: PhaseNotStarted}}
}

// Subscribe registers o for every later transition.
func (s *State) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Rebuild replaces the step list for a new source/target pair. It is
// rejected while a migration runs.
func (s *State) Rebuild(source models.VendorInfo, target models.VendorDefinition, tenant string) error {
	s.mu.Lock()
	if s.phase.Kind == PhaseInProgress {
		s.mu.Unlock()
		return models.ErrMigrationInProgress
	}

	s.source = source
	s.target = target
	s.tenant = tenant
	s.setSteps(BuildSteps(source, target))
	s.prereq = nil
	s.phase = Phase{Kind: PhaseNotStarted}
	return s.unlockAndNotify()
}

func (s *State) setSteps(steps []Step) {
	s.steps = steps
	s.index = make(map[string]int, len(steps))
	for i, st := range steps {
		s.index[st.ID] = i
	}
	s.current = 0
	s.progress = 0
}

// BeginPrerequisiteCheck moves to the checking phase.
func (s *State) BeginPrerequisiteCheck() error {
	s.mu.Lock()
	if s.phase.Kind == PhaseInProgress {
		s.mu.Unlock()
		return models.ErrMigrationInProgress
	}
	s.phase = Phase{Kind: PhaseCheckingPrerequisites}
	return s.unlockAndNotify()
}

// SetPrerequisites records the device snapshot. Outside a run the phase
// becomes ready when every flag holds and prerequisites-failed otherwise.
func (s *State) SetPrerequisites(p Prerequisites) Phase {
	s.mu.Lock()
	s.prereq = &p
	if s.phase.Kind != PhaseInProgress {
		if p.Met() {
			s.phase = Phase{Kind: PhaseReady}
		} else {
			s.phase = Phase{Kind: PhasePrerequisitesFailed, Reason: p.reason()}
		}
	}
	phase := s.phase
	_ = s.unlockAndNotify()
	return phase
}

// Start enters the in-progress phase. Steps must have been built.
func (s *State) Start() error {
	s.mu.Lock()
	switch {
	case s.phase.Kind == PhaseInProgress:
		s.mu.Unlock()
		return models.ErrMigrationInProgress
	case len(s.steps) == 0:
		s.mu.Unlock()
		return fmt.Errorf("%w: no steps built", ErrNotRunning)
	}

	// A new attempt always starts from a fresh list.
	s.setSteps(BuildSteps(s.source, s.target))
	s.phase = Phase{Kind: PhaseInProgress}
	return s.unlockAndNotify()
}

// BeginStep marks id in progress. Steps run strictly in list order.
func (s *State) BeginStep(id string) error {
	s.mu.Lock()
	i, err := s.stepAt(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if i != s.current || s.steps[i].Status != StepNotStarted {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepOrder, id)
	}

	s.steps[i].Status = StepInProgress
	s.setProgress(i * 100 / len(s.steps))
	return s.unlockAndNotify()
}

// UpdateStepProgress sets the advisory progress within the running step.
func (s *State) UpdateStepProgress(id string, percent int) error {
	s.mu.Lock()
	i, err := s.stepAt(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.steps[i].Status != StepInProgress {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is not running", ErrStepOrder, id)
	}
	s.steps[i].Progress = clamp(percent, 0, 100)
	return s.unlockAndNotify()
}

// CompleteStep marks id completed and advances.
func (s *State) CompleteStep(id string) error {
	s.mu.Lock()
	i, err := s.runningStep(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.steps[i].Status = StepCompleted
	s.steps[i].Progress = 100
	s.advance(i)
	return s.unlockAndNotify()
}

// FailStep marks id failed with cause. A blocking step fails the migration;
// a non-blocking one advances as if it had completed.
func (s *State) FailStep(id string, cause error) error {
	s.mu.Lock()
	i, err := s.runningStep(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	s.steps[i].Status = StepFailed
	s.steps[i].Reason = reason

	if s.steps[i].IsBlocker {
		s.phase = Phase{Kind: PhaseFailed, Reason: reason}
	} else {
		s.advance(i)
	}
	return s.unlockAndNotify()
}

// Complete finishes the run. Progress reaches 100 only here.
func (s *State) Complete() error {
	s.mu.Lock()
	if s.phase.Kind != PhaseInProgress {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.current = len(s.steps)
	s.progress = 100
	s.phase = Phase{Kind: PhaseCompleted}
	return s.unlockAndNotify()
}

// Fail ends a run for a reason not tied to a step, such as cancellation.
func (s *State) Fail(cause error) error {
	s.mu.Lock()
	if s.phase.Kind != PhaseInProgress {
		s.mu.Unlock()
		return ErrNotRunning
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	s.phase = Phase{Kind: PhaseFailed, Reason: reason}
	return s.unlockAndNotify()
}

// Reset discards the steps and the prerequisite snapshot.
func (s *State) Reset() error {
	s.mu.Lock()
	if s.phase.Kind == PhaseInProgress {
		s.mu.Unlock()
		return models.ErrMigrationInProgress
	}
	s.setSteps(nil)
	s.prereq = nil
	s.source = models.VendorInfo{}
	s.target = models.VendorDefinition{}
	s.tenant = ""
	s.phase = Phase{Kind: PhaseNotStarted}
	return s.unlockAndNotify()
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Progress returns the overall percentage.
func (s *State) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Tenant returns the target tenant identifier.
func (s *State) Tenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

// Target returns the target vendor definition.
func (s *State) Target() models.VendorDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Source returns the detected source vendor.
func (s *State) Source() models.VendorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Step returns a copy of step id.
func (s *State) Step(id string) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Step{}, false
	}
	return s.steps[i], true
}

// StepIDs returns the ids of the current list in order.
func (s *State) StepIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.steps))
	for i, st := range s.steps {
		ids[i] = st.ID
	}
	return ids
}

// Snapshot returns a copy of the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *State) snapshot() Snapshot {
	snap := Snapshot{
		Steps:       append([]Step(nil), s.steps...),
		CurrentStep: s.current,
		Phase:       s.phase,
		Progress:    s.progress,
		Source:      s.source,
		Target:      s.target.Identifier,
		Tenant:      s.tenant,
	}
	if s.prereq != nil {
		p := *s.prereq
		snap.Prerequisites = &p
	}
	return snap
}

func (s *State) stepAt(id string) (int, error) {
	if s.phase.Kind != PhaseInProgress {
		return 0, ErrNotRunning
	}
	i, ok := s.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	return i, nil
}

func (s *State) runningStep(id string) (int, error) {
	i, err := s.stepAt(id)
	if err != nil {
		return 0, err
	}
	if s.steps[i].Status != StepInProgress {
		return 0, fmt.Errorf("%w: %s is not running", ErrStepOrder, id)
	}
	return i, nil
}

// advance moves past step i. The percentage stays below 100 until Complete.
func (s *State) advance(i int) {
	s.current = i + 1
	s.setProgress(min((i+1)*100/len(s.steps), 99))
}

func (s *State) setProgress(p int) {
	if p > s.progress {
		s.progress = p
	}
	s.phase = Phase{Kind: PhaseInProgress, Percent: s.progress}
}

// unlockAndNotify releases the lock and delivers a snapshot to observers.
func (s *State) unlockAndNotify() error {
	snap := s.snapshot()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.StateChanged(snap)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
