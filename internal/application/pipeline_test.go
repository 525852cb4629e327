package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var keyTrail = domain.NewKey[[]string]("test.trail")

// mockUnit is a scriptable ports.Unit.
type mockUnit struct {
	name        string
	executeFunc func(ctx context.Context, state domain.State) (domain.State, error)
	validateErr error
	executed    int
	mu          sync.Mutex
}

func (m *mockUnit) Name() string { return m.name }

func (m *mockUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	m.mu.Lock()
	m.executed++
	m.mu.Unlock()

	if m.executeFunc != nil {
		return m.executeFunc(ctx, state)
	}
	return state, nil
}

func (m *mockUnit) Validate() error { return m.validateErr }

func (m *mockUnit) runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed
}

// appendTrail returns an execute func recording name in the trail.
func appendTrail(name string) func(context.Context, domain.State) (domain.State, error) {
	return func(_ context.Context, state domain.State) (domain.State, error) {
		trail, _ := domain.Get(state, keyTrail)
		return domain.With(state, keyTrail, append(trail, name)), nil
	}
}

func TestPipeline_Execute(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		runner    StageRunner
		units     func() []*mockUnit
		wantErr   error
		wantTrail []string
		wantRuns  []int
	}{
		{
			name: "runs units in order",
			units: func() []*mockUnit {
				return []*mockUnit{
					{name: "a", executeFunc: appendTrail("a")},
					{name: "b", executeFunc: appendTrail("b")},
					{name: "c", executeFunc: appendTrail("c")},
				}
			},
			wantTrail: []string{"a", "b", "c"},
			wantRuns:  []int{1, 1, 1},
		},
		{
			name: "stops at first failure without runner",
			units: func() []*mockUnit {
				return []*mockUnit{
					{name: "a", executeFunc: appendTrail("a")},
					{name: "b", executeFunc: func(context.Context, domain.State) (domain.State, error) {
						return domain.State{}, errBoom
					}},
					{name: "c", executeFunc: appendTrail("c")},
				}
			},
			wantErr:   errBoom,
			wantTrail: []string{"a"},
			wantRuns:  []int{1, 1, 0},
		},
		{
			name: "runner absorbs failures",
			runner: func(ctx context.Context, unit ports.Unit, state domain.State) domain.State {
				next, err := unit.Execute(ctx, state)
				if err != nil {
					trail, _ := domain.Get(state, keyTrail)
					return domain.With(state, keyTrail, append(trail, "failed:"+unit.Name()))
				}
				return next
			},
			units: func() []*mockUnit {
				return []*mockUnit{
					{name: "a", executeFunc: func(context.Context, domain.State) (domain.State, error) {
						return domain.State{}, errBoom
					}},
					{name: "b", executeFunc: appendTrail("b")},
				}
			},
			wantTrail: []string{"failed:a", "b"},
			wantRuns:  []int{1, 1},
		},
		{
			name:      "empty pipeline returns input",
			units:     func() []*mockUnit { return nil },
			wantTrail: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline("test", tt.runner)
			mocks := tt.units()
			for _, m := range mocks {
				require.NoError(t, p.Add(m))
			}

			state, err := p.Execute(context.Background(), domain.NewState())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "pipeline test: execution failed at b")
			} else {
				require.NoError(t, err)
			}

			trail, _ := domain.Get(state, keyTrail)
			assert.Equal(t, tt.wantTrail, trail)
			for i, want := range tt.wantRuns {
				assert.Equal(t, want, mocks[i].runs(), "unit %s", mocks[i].name)
			}
		})
	}
}

func TestPipeline_Add(t *testing.T) {
	p := NewPipeline("rules", nil)

	require.NoError(t, p.Add(&mockUnit{name: "a"}))
	err := p.Add(&mockUnit{name: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit a already exists in pipeline rules")

	require.Error(t, p.Add(nil))
	assert.Len(t, p.Units(), 1)
	assert.Equal(t, "rules", p.Name())
}

func TestPipeline_UnitsReturnsCopy(t *testing.T) {
	p := NewPipeline("rules", nil)
	require.NoError(t, p.Add(&mockUnit{name: "a"}))

	units := p.Units()
	units[0] = &mockUnit{name: "z"}
	assert.Equal(t, "a", p.Units()[0].Name())
}

func TestPipeline_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	second := &mockUnit{name: "b"}
	p := NewPipeline("rules", nil)
	require.NoError(t, p.Add(&mockUnit{name: "a", executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
		cancel()
		return s, nil
	}}))
	require.NoError(t, p.Add(second))

	_, err := p.Execute(ctx, domain.NewState())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, second.runs())
}

func TestPipeline_Validate(t *testing.T) {
	p := NewPipeline("rules", nil)
	require.NoError(t, p.Validate())

	for i := range 3 {
		var err error
		if i > 0 {
			err = fmt.Errorf("unit %d misconfigured", i)
		}
		require.NoError(t, p.Add(&mockUnit{name: fmt.Sprintf("u%d", i), validateErr: err}))
	}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit 1 misconfigured")
	assert.Contains(t, err.Error(), "unit 2 misconfigured")
}

func TestPipeline_ConcurrentExecute(t *testing.T) {
	u := &mockUnit{name: "a", executeFunc: appendTrail("a")}
	p := NewPipeline("rules", nil)
	require.NoError(t, p.Add(u))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := p.Execute(context.Background(), domain.NewState())
			assert.NoError(t, err)
			trail, _ := domain.Get(state, keyTrail)
			assert.Equal(t, []string{"a"}, trail)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, u.runs())
}
