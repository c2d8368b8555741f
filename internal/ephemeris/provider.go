// Package ephemeris computes body states from a loaded SPK kernel,
// chaining segments across intermediate centers when no direct segment
// connects the requested pair.
package ephemeris

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/timescale"
)

// ErrNoKernel is returned when state is requested before a kernel has
// been loaded into the store.
var ErrNoKernel = errors.New("no kernel loaded")

// maxChainDepth bounds the center-chain walk. DE kernels chain at most
// three hops (body -> planet barycenter -> SSB).
const maxChainDepth = 10

// Provider resolves body states against whatever kernel the store
// currently holds. Safe for concurrent use.
type Provider struct {
	store  *spk.Store
	logger *slog.Logger
}

func NewProvider(store *spk.Store, logger *slog.Logger) *Provider {
	return &Provider{store: store, logger: logger}
}

// Kernel returns the currently loaded kernel, or nil.
func (p *Provider) Kernel() *spk.Kernel {
	return p.store.Get()
}

// Targets lists the NAIF codes the current kernel can produce states
// for. Returns ErrNoKernel when nothing is loaded.
func (p *Provider) Targets() ([]int, error) {
	k := p.store.Get()
	if k == nil {
		return nil, ErrNoKernel
	}
	return k.Targets(), nil
}

// StateAt computes target relative to center at the given UTC instant.
func (p *Provider) StateAt(target, center int, t time.Time) (StateVector, error) {
	return p.StateAtET(target, center, timescale.ETForTime(t))
}

// StateAtET computes target relative to center at ephemeris time et
// (TDB seconds past J2000). Position in km, velocity in km/s.
func (p *Provider) StateAtET(target, center int, et float64) (StateVector, error) {
	k := p.store.Get()
	if k == nil {
		return StateVector{}, ErrNoKernel
	}
	st, err := resolve(k, target, center, et)
	if err != nil {
		return StateVector{}, err
	}
	v := StateVector{Position: st.Position, Velocity: st.Velocity}
	if !v.Finite() {
		return StateVector{}, fmt.Errorf("non-finite state for %d relative to %d at et %.3f", target, center, et)
	}
	return v, nil
}

// Series samples target relative to center at count instants spaced step
// apart, starting at start. On error the samples computed so far are
// returned along with it.
func (p *Provider) Series(ctx context.Context, target, center int, start time.Time, step time.Duration, count int) ([]SeriesPoint, error) {
	if count < 1 {
		return nil, fmt.Errorf("series needs at least one sample")
	}
	if step <= 0 && count > 1 {
		return nil, fmt.Errorf("series step must be positive")
	}

	out := make([]SeriesPoint, 0, count)
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		t := start.Add(time.Duration(i) * step)
		et := timescale.ETForTime(t)
		v, err := p.StateAtET(target, center, et)
		if err != nil {
			return out, fmt.Errorf("sample %d at %s: %w", i, t.UTC().Format(time.RFC3339), err)
		}
		out = append(out, SeriesPoint{Timestamp: t, ET: et, State: v})
	}
	return out, nil
}

// resolve computes target relative to center. Direct and reversed
// segments are used when present; otherwise both bodies are walked up
// their center chains and the two partial sums are differenced at the
// common root.
func resolve(k *spk.Kernel, target, center int, et float64) (spk.State, error) {
	if target == center {
		return spk.State{}, nil
	}
	if seg, err := k.Segment(target, center, et); err == nil {
		return seg.StateAt(et)
	}
	if seg, err := k.Segment(center, target, et); err == nil {
		st, err := seg.StateAt(et)
		if err != nil {
			return spk.State{}, err
		}
		return negState(st), nil
	}

	rootT, sumT, err := chainToRoot(k, target, et)
	if err != nil {
		return spk.State{}, err
	}
	rootC, sumC, err := chainToRoot(k, center, et)
	if err != nil {
		return spk.State{}, err
	}
	if rootT != rootC {
		return spk.State{}, fmt.Errorf("no segment path between %d and %d at et %.3f: %w", target, center, et, spk.ErrNoSegment)
	}
	return subState(sumT, sumC), nil
}

// chainToRoot sums segment states walking from body up through its
// centers until no further segment exists, returning the final center
// reached and body's state relative to it. A body with no segments at
// all is its own root with a zero state.
func chainToRoot(k *spk.Kernel, body int, et float64) (int, spk.State, error) {
	var sum spk.State
	cur := body
	for i := 0; i < maxChainDepth; i++ {
		seg, err := k.SegmentFor(cur, et)
		if err != nil {
			return cur, sum, nil
		}
		st, err := seg.StateAt(et)
		if err != nil {
			return 0, spk.State{}, fmt.Errorf("evaluating %d relative to %d: %w", seg.Target, seg.Center, err)
		}
		sum = addState(sum, st)
		cur = seg.Center
	}
	return 0, spk.State{}, fmt.Errorf("center chain for body %d exceeds %d hops", body, maxChainDepth)
}

func addState(a, b spk.State) spk.State {
	for i := 0; i < 3; i++ {
		a.Position[i] += b.Position[i]
		a.Velocity[i] += b.Velocity[i]
	}
	return a
}

func subState(a, b spk.State) spk.State {
	for i := 0; i < 3; i++ {
		a.Position[i] -= b.Position[i]
		a.Velocity[i] -= b.Velocity[i]
	}
	return a
}

func negState(a spk.State) spk.State {
	return subState(spk.State{}, a)
}
