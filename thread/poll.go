package thread

// Poller is the pause coordinator's polling contract. ShouldCooperate must be
// cheap and non-blocking; Cooperate blocks until the coordinator releases the
// thread and, when checkAsyncException is set, arranges delivery of a queued
// asynchronous exception.
type Poller interface {
	ShouldCooperate(t *Thread, allowSuspend bool) bool
	Cooperate(t *Thread, allowSuspend, checkAsyncException bool)
}

// localPoller serves threads that are not registered with a coordinator.
// It never blocks.
type localPoller struct{}

func (localPoller) ShouldCooperate(t *Thread, _ bool) bool {
	return t.HasAsyncException()
}

func (localPoller) Cooperate(t *Thread, _, checkAsync bool) {
	if checkAsync {
		t.DeliverAsyncException()
	}
}

// poll is the single suspension point of the protocol. pre runs exactly once,
// before Cooperate, and only when cooperation is needed.
func (t *Thread) poll(allowSuspend, checkAsync bool, pre func(*Thread)) {
	if !t.poller.ShouldCooperate(t, allowSuspend) {
		return
	}
	if pre != nil {
		pre(t)
	}
	if t.cooperating.Swap(true) {
		if DebugBuild {
			t.fail(ReentrantCooperate, t.State(), "")
		}
		return
	}
	defer t.cooperating.Store(false)
	t.poller.Cooperate(t, allowSuspend, checkAsync)
}
