// Package switchfan drives a bank of on/off entities as one multi-speed fan.
// Each member entity is one speed; the fan runs at the speed of the member
// that is on.
package switchfan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/milinda/switchfan/speed"
	"go.uber.org/zap"
)

const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
)

var (
	ErrNotAttached        = errors.New("fan is not attached")
	ErrAlreadyAttached    = errors.New("fan is already attached")
	ErrPresetNotSupported = errors.New("preset modes are not supported")
)

// ServiceCaller issues a service call against a set of entities of one
// domain.
type ServiceCaller interface {
	CallService(ctx context.Context, domain string, service string, entityIDs []string) error
}

// StateSource reads entity states and delivers state changes. The function
// returned by Subscribe removes the subscription.
type StateSource interface {
	State(entityID string) (string, bool)
	Subscribe(entityIDs []string, fn func(entityID string, state string)) func()
}

type Status struct {
	On              bool
	Percentage      int
	PercentageKnown bool
	SpeedCount      int
}

type Config struct {
	UniqueID string
	Name     string
	Members  []Member
	Caller   ServiceCaller
	Source   StateSource
	Logger   *zap.Logger
}

type Fan struct {
	uniqueID string
	name     string
	members  []Member
	caller   ServiceCaller
	source   StateSource
	logger   *zap.Logger

	mutex       sync.Mutex
	attached    bool
	snapshot    map[string]MemberState
	unsubscribe func()
	listeners   []func(Status)
}

func New(cfg Config) (*Fan, error) {
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("%w: no entities given", ErrInvalidMember)
	}

	if cfg.Caller == nil || cfg.Source == nil {
		return nil, errors.New("fan needs a service caller and a state source")
	}

	seen := map[string]struct{}{}
	for _, m := range cfg.Members {
		if _, dup := seen[m.EntityID]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %s", ErrInvalidMember, m.EntityID)
		}
		seen[m.EntityID] = struct{}{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fan{
		uniqueID: cfg.UniqueID,
		name:     cfg.Name,
		members:  append([]Member(nil), cfg.Members...),
		caller:   cfg.Caller,
		source:   cfg.Source,
		logger:   logger.With(zap.String("fan", cfg.Name)),
	}, nil
}

func (f *Fan) UniqueID() string { return f.uniqueID }

func (f *Fan) Name() string { return f.name }

func (f *Fan) Members() []Member {
	return append([]Member(nil), f.members...)
}

func (f *Fan) SpeedCount() int { return len(f.members) }

// SupportsSetSpeed is false for a single member fan, which is plain on/off.
func (f *Fan) SupportsSetSpeed() bool { return len(f.members) > 1 }

// AddListener registers fn to receive every published status. Listeners are
// called without the fan lock held.
func (f *Fan) AddListener(fn func(Status)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.listeners = append(f.listeners, fn)
}

// Attach subscribes to member state changes, loads the current member
// states and publishes the initial status.
func (f *Fan) Attach(ctx context.Context) error {
	f.mutex.Lock()
	if f.attached {
		f.mutex.Unlock()
		return ErrAlreadyAttached
	}
	f.attached = true
	f.snapshot = make(map[string]MemberState, len(f.members))
	f.mutex.Unlock()

	ids := make([]string, len(f.members))
	for i, m := range f.members {
		ids[i] = m.EntityID
	}

	unsubscribe := f.source.Subscribe(ids, f.memberStateChanged)

	f.mutex.Lock()
	f.unsubscribe = unsubscribe
	f.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		f.Detach()
		return err
	}

	f.refresh()

	f.logger.Info("attached", zap.Strings("entities", ids))

	return nil
}

// Detach removes the state subscription. Notifications arriving afterwards
// are dropped.
func (f *Fan) Detach() {
	f.mutex.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.attached = false
	f.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		f.logger.Info("detached")
	}
}

func (f *Fan) refresh() {
	f.mutex.Lock()
	for _, m := range f.members {
		state, found := f.source.State(m.EntityID)
		if !found {
			f.snapshot[m.EntityID] = StateUnknown
			continue
		}
		f.snapshot[m.EntityID] = ParseMemberState(state)
	}
	f.mutex.Unlock()

	f.publish()
}

func (f *Fan) memberStateChanged(entityID string, state string) {
	f.mutex.Lock()
	if !f.attached {
		f.mutex.Unlock()
		return
	}
	f.snapshot[entityID] = ParseMemberState(state)
	f.mutex.Unlock()

	f.logger.Debug("member state changed", zap.String("entity", entityID), zap.String("state", state))

	f.publish()
}

func (f *Fan) publish() {
	f.mutex.Lock()
	status := f.statusLocked()
	listeners := make([]func(Status), len(f.listeners))
	copy(listeners, f.listeners)
	f.mutex.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (f *Fan) Status() Status {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.statusLocked()
}

// statusLocked derives the aggregate status. The lowest ranked member that
// is on decides the speed. Percentage stays unknown while any member state
// is unknown.
func (f *Fan) statusLocked() Status {
	status := Status{SpeedCount: len(f.members)}

	known := true
	rank := 0
	for i, m := range f.members {
		switch f.snapshot[m.EntityID] {
		case StateOn:
			if rank == 0 {
				rank = i + 1
			}
		case StateUnknown:
			known = false
		}
	}

	status.On = rank > 0
	if known {
		status.PercentageKnown = true
		status.Percentage = speed.Percentage(len(f.members), rank)
	}

	return status
}

// TurnOn sets the speed when pct is given, so a zero percentage turns the
// fan off. Without a percentage an idle fan starts at the lowest speed and a
// running fan is left alone.
func (f *Fan) TurnOn(ctx context.Context, pct *int, preset string) error {
	if preset != "" {
		return fmt.Errorf("%w: %s", ErrPresetNotSupported, preset)
	}

	if err := f.checkAttached(); err != nil {
		return err
	}

	if pct != nil {
		return f.SetPercentage(ctx, *pct)
	}

	if f.Status().On {
		return nil
	}

	return f.activate(ctx, 0)
}

// TurnOff switches every member off regardless of the observed states.
func (f *Fan) TurnOff(ctx context.Context) error {
	if err := f.checkAttached(); err != nil {
		return err
	}

	return f.dispatch(ctx, ServiceTurnOff, f.members)
}

func (f *Fan) SetPercentage(ctx context.Context, pct int) error {
	if err := f.checkAttached(); err != nil {
		return err
	}

	rank, err := speed.Index(len(f.members), float64(pct))
	if err != nil {
		return err
	}

	if rank == 0 {
		return f.TurnOff(ctx)
	}

	return f.activate(ctx, rank-1)
}

// IncreaseSpeed moves the fan up by steps speeds, starting from off when
// the fan is idle.
func (f *Fan) IncreaseSpeed(ctx context.Context, steps int) error {
	return f.stepSpeed(ctx, steps)
}

func (f *Fan) DecreaseSpeed(ctx context.Context, steps int) error {
	return f.stepSpeed(ctx, -steps)
}

func (f *Fan) stepSpeed(ctx context.Context, delta int) error {
	if err := f.checkAttached(); err != nil {
		return err
	}

	f.mutex.Lock()
	rank := 0
	for i, m := range f.members {
		if f.snapshot[m.EntityID] == StateOn {
			rank = i + 1
			break
		}
	}
	f.mutex.Unlock()

	rank += delta
	if rank > len(f.members) {
		rank = len(f.members)
	}

	if rank <= 0 {
		return f.TurnOff(ctx)
	}

	return f.activate(ctx, rank-1)
}

// activate turns the member at index on and then every other member off.
func (f *Fan) activate(ctx context.Context, index int) error {
	target := f.members[index]

	f.logger.Info("setting speed", zap.String("entity", target.EntityID), zap.Int("speed", index+1))

	if err := f.dispatch(ctx, ServiceTurnOn, []Member{target}); err != nil {
		return err
	}

	others := make([]Member, 0, len(f.members)-1)
	for i, m := range f.members {
		if i != index {
			others = append(others, m)
		}
	}

	return f.dispatch(ctx, ServiceTurnOff, others)
}

// dispatch issues one service call per member domain.
func (f *Fan) dispatch(ctx context.Context, service string, members []Member) error {
	for _, b := range groupByDomain(members) {
		if err := f.caller.CallService(ctx, b.domain.String(), service, b.entityIDs); err != nil {
			return fmt.Errorf("%s.%s %v: %w", b.domain, service, b.entityIDs, err)
		}
	}

	return nil
}

func (f *Fan) checkAttached() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.attached {
		return ErrNotAttached
	}

	return nil
}
