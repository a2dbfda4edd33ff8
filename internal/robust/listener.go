package robust

// Listener is notified while an Estimator runs. Every callback fires while the
// estimator is locked: setters and Estimate return types.ErrLocked from inside them.
type Listener[S any] interface {
	OnStart(e *Estimator[S])
	OnEnd(e *Estimator[S])
	OnNextIteration(e *Estimator[S], iteration int)
	OnProgressChanged(e *Estimator[S], progress float64)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped
type ListenerFuncs[S any] struct {
	Start           func(e *Estimator[S])
	End             func(e *Estimator[S])
	NextIteration   func(e *Estimator[S], iteration int)
	ProgressChanged func(e *Estimator[S], progress float64)
}

func (l ListenerFuncs[S]) OnStart(e *Estimator[S]) {
	if l.Start != nil {
		l.Start(e)
	}
}

func (l ListenerFuncs[S]) OnEnd(e *Estimator[S]) {
	if l.End != nil {
		l.End(e)
	}
}

func (l ListenerFuncs[S]) OnNextIteration(e *Estimator[S], iteration int) {
	if l.NextIteration != nil {
		l.NextIteration(e, iteration)
	}
}

func (l ListenerFuncs[S]) OnProgressChanged(e *Estimator[S], progress float64) {
	if l.ProgressChanged != nil {
		l.ProgressChanged(e, progress)
	}
}
