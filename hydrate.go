package eventcore

// Evolver folds one event into the aggregate state and returns the new
// state. Events it does not know must be returned unchanged.
type Evolver[S any] func(state S, ev Event) S

// Applier applies one event variant to a state of type S.
type Applier[S any] interface {
	EventName() string
	Apply(state S, ev Event) S
}

type typedApplier[S any, E Event] func(state S, ev E) S

func (a typedApplier[S, E]) EventName() string {
	var zero E
	return zero.EventType()
}

func (a typedApplier[S, E]) Apply(state S, ev Event) S {
	e, ok := ev.(E)
	if !ok {
		return state
	}
	return a(state, e)
}

// On creates an Applier for event variant E. As with OnEvent, EventType
// must not dereference its receiver.
func On[S any, E Event](fn func(state S, ev E) S) Applier[S] {
	return typedApplier[S, E](fn)
}

// Evolve builds an Evolver that dispatches on EventType. Variants without an
// applier leave the state untouched.
//
// Example Usage:
//
//	var evolve = Evolve(
//	    On(func(s Journal, e *JournalCreated) Journal { s.Title = e.Title; return s }),
//	    On(func(s Journal, e *EntryAdded) Journal { s.Entries++; return s }),
//	)
func Evolve[S any](appliers ...Applier[S]) Evolver[S] {
	table := make(map[string]Applier[S], len(appliers))
	for _, a := range appliers {
		table[a.EventName()] = a
	}
	return func(state S, ev Event) S {
		if a, ok := table[ev.EventType()]; ok {
			return a.Apply(state, ev)
		}
		return state
	}
}
