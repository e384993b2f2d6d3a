package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// fakeActivity is a test double for ActivitySource
type fakeActivity struct {
	idle  time.Duration
	state domain.DaemonState
}

func (f *fakeActivity) IdleDuration() time.Duration { return f.idle }
func (f *fakeActivity) State() domain.DaemonState   { return f.state }

// fakeRegistry is a test double for RegistryReader
type fakeRegistry struct {
	entries   []domain.DaemonInfo
	getErr    error
	accessErr error
}

func (f *fakeRegistry) GetAll() ([]domain.DaemonInfo, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries, nil
}

func (f *fakeRegistry) GetIdle() ([]domain.DaemonInfo, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	var idle []domain.DaemonInfo
	for _, e := range f.entries {
		if !e.Busy {
			idle = append(idle, e)
		}
	}
	return idle, nil
}

func (f *fakeRegistry) CheckAccess() error { return f.accessErr }

// countingStrategy records how often it was evaluated
type countingStrategy struct {
	result Result
	calls  int
}

func (c *countingStrategy) Evaluate() Result {
	c.calls++
	return c.result
}

func TestAny_FirstMatchWins(t *testing.T) {
	x := &countingStrategy{result: Triggered("X", true)}
	y := &countingStrategy{result: Triggered("Y", false)}

	result := Any(Func(func() Result { return NotTriggered }), x, y).Evaluate()

	assert.True(t, result.Triggered)
	assert.Equal(t, "X", result.Reason)
	assert.True(t, result.Graceful)
	assert.Equal(t, 1, x.calls)
	assert.Equal(t, 0, y.calls, "Any should short-circuit after the first match")
}

func TestAny_NoneTriggered(t *testing.T) {
	result := Any(Func(func() Result { return NotTriggered })).Evaluate()
	assert.False(t, result.Triggered)

	assert.False(t, Any().Evaluate().Triggered)
}

func TestAll(t *testing.T) {
	tests := []struct {
		name         string
		children     []Strategy
		wantTrigger  bool
		wantReason   string
		wantGraceful bool
	}{
		{
			name: "one child not triggered",
			children: []Strategy{
				Func(func() Result { return Triggered("A", true) }),
				Func(func() Result { return NotTriggered }),
			},
			wantTrigger: false,
		},
		{
			name: "all triggered joins reasons",
			children: []Strategy{
				Func(func() Result { return Triggered("A", true) }),
				Func(func() Result { return Triggered("B", true) }),
			},
			wantTrigger:  true,
			wantReason:   "A and B",
			wantGraceful: true,
		},
		{
			name: "any immediate child makes result immediate",
			children: []Strategy{
				Func(func() Result { return Triggered("A", true) }),
				Func(func() Result { return Triggered("B", false) }),
			},
			wantTrigger:  true,
			wantReason:   "A and B",
			wantGraceful: false,
		},
		{
			name:        "empty",
			children:    nil,
			wantTrigger: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := All(tt.children...).Evaluate()
			assert.Equal(t, tt.wantTrigger, result.Triggered)
			if tt.wantTrigger {
				assert.Equal(t, tt.wantReason, result.Reason)
				assert.Equal(t, tt.wantGraceful, result.Graceful)
			}
		})
	}
}

func TestIdleTimeout(t *testing.T) {
	activity := &fakeActivity{idle: 5 * time.Second}
	strategy := NewIdleTimeout(activity, 10*time.Second)

	assert.False(t, strategy.Evaluate().Triggered)

	activity.idle = 10 * time.Second
	assert.False(t, strategy.Evaluate().Triggered, "exactly the timeout is not past it")

	activity.idle = 11 * time.Second
	result := strategy.Evaluate()
	assert.True(t, result.Triggered)
	assert.True(t, result.Graceful)
	assert.Contains(t, result.Reason, "idle")
}

func TestRegistryUnavailable(t *testing.T) {
	registry := &fakeRegistry{}
	strategy := NewRegistryUnavailable(registry)

	assert.False(t, strategy.Evaluate().Triggered)

	registry.accessErr = errors.New("permission denied")
	result := strategy.Evaluate()
	assert.True(t, result.Triggered)
	assert.Contains(t, result.Reason, "registry")
}
