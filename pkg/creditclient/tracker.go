package creditclient

import (
	"context"
	"errors"
	"sync"
)

// ArtifactState is the UI state of a single artifact.
type ArtifactState string

const (
	StateIdle    ArtifactState = "idle"
	StatePending ArtifactState = "pending"
	StateReady   ArtifactState = "ready"
	StateFailed  ArtifactState = "failed"
)

var (
	ErrTransitionInFlight = errors.New("artifact_transition_in_flight")
	ErrNoTransition       = errors.New("artifact_no_transition")
)

// Transition describes one finished step of an artifact.
type Transition struct {
	ArtifactID string
	From       ArtifactState
	To         ArtifactState
	Err        error
}

type artifactEntry struct {
	state    ArtifactState
	previous ArtifactState
	lastErr  error
}

// ArtifactTracker drives Idle -> Pending -> Ready | Failed per artifact. A
// failed transition puts the artifact back in the state it had before Begin.
type ArtifactTracker struct {
	mu      sync.Mutex
	entries map[string]*artifactEntry
}

func NewArtifactTracker() *ArtifactTracker {
	return &ArtifactTracker{entries: map[string]*artifactEntry{}}
}

func (t *ArtifactTracker) State(artifactID string) ArtifactState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[artifactID]; ok {
		return entry.state
	}
	return StateIdle
}

// LastError returns the error of the most recent failed transition.
func (t *ArtifactTracker) LastError(artifactID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[artifactID]; ok {
		return entry.lastErr
	}
	return nil
}

// Begin moves the artifact to Pending.
func (t *ArtifactTracker) Begin(artifactID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[artifactID]
	if !ok {
		entry = &artifactEntry{state: StateIdle}
		t.entries[artifactID] = entry
	}
	if entry.state == StatePending {
		return ErrTransitionInFlight
	}
	entry.previous = entry.state
	entry.state = StatePending
	return nil
}

// Complete moves a pending artifact to Ready.
func (t *ArtifactTracker) Complete(artifactID string) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[artifactID]
	if !ok || entry.state != StatePending {
		return Transition{}, ErrNoTransition
	}
	entry.state = StateReady
	entry.lastErr = nil
	return Transition{ArtifactID: artifactID, From: StatePending, To: StateReady}, nil
}

// Fail ends a pending transition as Failed and restores the prior state.
func (t *ArtifactTracker) Fail(artifactID string, cause error) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[artifactID]
	if !ok || entry.state != StatePending {
		return Transition{}, ErrNoTransition
	}
	entry.state = entry.previous
	entry.lastErr = cause
	return Transition{ArtifactID: artifactID, From: StatePending, To: StateFailed, Err: cause}, nil
}

// Run wraps fn in Begin and Complete or Fail.
func (t *ArtifactTracker) Run(ctx context.Context, artifactID string, fn func(ctx context.Context) error) (Transition, error) {
	if err := t.Begin(artifactID); err != nil {
		return Transition{}, err
	}
	if err := fn(ctx); err != nil {
		tr, _ := t.Fail(artifactID, err)
		return tr, err
	}
	return t.Complete(artifactID)
}

// Download consumes a credit for a ready artifact through f, tracking the
// attempt. Outcomes that do not proceed count as failures.
func (t *ArtifactTracker) Download(ctx context.Context, f *Facade, artifactID string) ConsumeResponse {
	var resp ConsumeResponse
	_, err := t.Run(ctx, artifactID, func(ctx context.Context) error {
		resp = f.Consume(ctx, artifactID)
		if resp.Outcome.Proceed() {
			return nil
		}
		if resp.Err != nil {
			return resp.Err
		}
		return errors.New(resp.Outcome.String())
	})
	if errors.Is(err, ErrTransitionInFlight) {
		return ConsumeResponse{Outcome: OutcomeFailed, Err: err}
	}
	return resp
}
