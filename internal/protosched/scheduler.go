package protosched

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/runtime"
)

// Scheduler is ProtoSched: one instance serializes every trace for a node's
// registry. It installs itself as the registry's Interceptor, so every
// infected send is captured here instead of being delivered directly
// (spec.md §4.6). Internally it behaves like the single message loop the
// spec describes, realized with a mutex rather than a literal channel loop —
// the same serialization guarantee the rest of the stack gets from owning a
// goroutine, achieved the way the teacher's shared caches do it.
type Scheduler struct {
	mu       sync.Mutex
	registry *messaging.Registry
	logger   runtime.Logger
	rng      *rand.Rand

	traces      map[string]*trace
	byInfection map[uuid.UUID]*trace
}

// NewScheduler creates a Scheduler and installs it as registry's interceptor.
func NewScheduler(registry *messaging.Registry, logger runtime.Logger) *Scheduler {
	s := &Scheduler{
		registry:    registry,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		traces:      map[string]*trace{},
		byInfection: map[uuid.UUID]*trace{},
	}
	registry.SetInterceptor(s.capture)
	return s
}

func (s *Scheduler) getOrCreate(id string) *trace {
	id = normalizeTraceName(id)
	t, ok := s.traces[id]
	if !ok {
		t = newTrace(id)
		s.traces[id] = t
		s.byInfection[t.infection] = t
	}
	return t
}

// ThreadNum declares that n threads will participate in trace id. Fails if
// called twice or after any thread has begun (spec.md §4.6).
func (s *Scheduler) ThreadNum(id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.getOrCreate(id)
	if t.threadNum != 0 {
		return ErrThreadNumAlreadyDeclared
	}
	if t.threadsBegun > 0 {
		return ErrThreadsAlreadyBegun
	}
	t.threadNum = n
	return nil
}

// ThreadBegin enqueues proc as a participant of trace id. ProtoSched infects
// it and releases it to run; once threadsBegun reaches threadNum the trace
// transitions new -> running and delivery begins.
func (s *Scheduler) ThreadBegin(id string, proc neighborhood.ProcessAddr) {
	s.mu.Lock()
	t := s.getOrCreate(id)
	t.threadsBegun++
	t.infected[proc] = true
	infection := t.infection
	shouldStart := t.threadNum > 0 && t.threadsBegun == t.threadNum && t.status == statusNew
	if shouldStart {
		t.status = statusRunning
	}
	s.mu.Unlock()

	// Note: no messages are queued yet, so there is nothing for advance to
	// pick from here. capture() runs advance itself once the first infected
	// send arrives for a running trace (spec.md §4.6).
	_ = s.registry.DeliverDirect(messaging.Envelope{To: proc, Tag: TagReleaseToRun, Infection: infection}, nil)
}

// ThreadYield blocks the calling goroutine until ProtoSched selects proc as
// the destination of its next captured delivery (spec.md §4.6: "an infected
// thread must call this immediately before every receive").
func (s *Scheduler) ThreadYield(id string, proc neighborhood.ProcessAddr) {
	s.mu.Lock()
	t, ok := s.traces[normalizeTraceName(id)]
	if !ok {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	t.yieldWaiters[proc] = ch
	s.mu.Unlock()
	<-ch
}

// ThreadEnd signals on_handler_done for proc and clears its infection.
func (s *Scheduler) ThreadEnd(id string, proc neighborhood.ProcessAddr) {
	s.mu.Lock()
	t, ok := s.traces[normalizeTraceName(id)]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(t.infected, proc)
	s.mu.Unlock()
	s.onHandlerDone(t)
}

// NotifyHandlerDone is runtime.Process's OnInfectedHandled hook: a
// process-granularity participant (as opposed to one explicitly driven
// through ThreadYield/ThreadEnd) signals on_handler_done simply by finishing
// its dispatch of an infected envelope (spec.md §4.6).
func (s *Scheduler) NotifyHandlerDone(env messaging.Envelope) {
	s.mu.Lock()
	t, ok := s.byInfection[env.Infection]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.onHandlerDone(t)
}

// RegisterCallback replaces trace id's on-deliver observer.
func (s *Scheduler) RegisterCallback(id string, fn func(messaging.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.getOrCreate(id)
	t.callback = fn
}

// WaitForEnd blocks until trace id's queue set drains (status becomes
// stopped). Fails if the calling process is itself currently infected in
// this trace (spec.md §7).
func (s *Scheduler) WaitForEnd(id string, caller neighborhood.ProcessAddr) error {
	s.mu.Lock()
	t := s.getOrCreate(id)
	if t.infected[caller] {
		s.mu.Unlock()
		return ErrWaitWhileInfected
	}
	if t.status == statusStopped {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.drainWaiters = append(t.drainWaiters, ch)
	s.mu.Unlock()
	<-ch
	return nil
}

// GetInfos returns trace id's branching-factor and delivery accounting.
func (s *Scheduler) GetInfos(id string) Infos {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.getOrCreate(id)
	return Infos{
		DeliveredMsgs:         append([]messaging.Envelope(nil), t.delivered...),
		NumsChosenFrom:        append([]int(nil), t.numsChosenFrom...),
		AvgBranchingFactor:    t.avgBranchingFactor(),
		NumDeliveredMsgs:      len(t.delivered),
		NumPossibleExecutions: t.possibleExecs,
	}
}

// Cleanup discards trace id's state, flushing any still-queued messages
// directly into the substrate bypassing ordering. If a delivery is still in
// flight, cleanup is deferred to that delivery's completion (spec.md §4.6).
// Fails if the calling process is itself currently infected.
func (s *Scheduler) Cleanup(id string, caller neighborhood.ProcessAddr) error {
	s.mu.Lock()
	t, ok := s.traces[normalizeTraceName(id)]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if t.infected[caller] {
		s.mu.Unlock()
		return ErrCleanupWhileInfected
	}
	if t.status == statusDelivered {
		t.cleanupRequested = true
		s.mu.Unlock()
		return nil
	}
	flush, waiters := s.drainLocked(t)
	s.mu.Unlock()

	s.flushAndNotify(flush, waiters)
	return nil
}

// capture is the registry Interceptor: it queues env onto its trace's
// (src,dst) channel and reports true, unless env is the thread_release_to_run
// bootstrap control (which is always delivered directly).
func (s *Scheduler) capture(env messaging.Envelope) bool {
	if env.Tag == TagReleaseToRun {
		return false
	}
	s.mu.Lock()
	t, ok := s.byInfection[env.Infection]
	if !ok || t.status == statusStopped {
		s.mu.Unlock()
		return false
	}
	key := ChannelKey{Src: env.From, Dst: env.To}
	t.queues[key] = append(t.queues[key], env)
	shouldAdvance := t.status == statusRunning
	s.mu.Unlock()
	if shouldAdvance {
		s.advance(t)
	}
	return true
}

// advance runs one scheduling step if the trace is running and idle: pick a
// non-empty channel uniformly at random, multiply the fan-out into
// num_possible_executions, dequeue and deliver its head message (spec.md
// §4.6's scheduling loop).
func (s *Scheduler) advance(t *trace) {
	s.mu.Lock()
	if t.status != statusRunning {
		s.mu.Unlock()
		return
	}
	channels := t.nonEmptyChannels()
	if len(channels) == 0 {
		t.status = statusStopped
		waiters := t.drainWaiters
		t.drainWaiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
		return
	}

	key := channels[s.rng.Intn(len(channels))]
	fanOut := len(channels)
	if t.possibleExecs == 0 {
		t.possibleExecs = 1
	}
	t.possibleExecs *= fanOut
	t.numsChosenFrom = append(t.numsChosenFrom, fanOut)

	env := t.queues[key][0]
	t.queues[key] = t.queues[key][1:]
	t.status = statusDelivered
	t.inFlightKey = key
	callback := t.callback

	waiter, hasWaiter := t.yieldWaiters[key.Dst]
	if hasWaiter {
		delete(t.yieldWaiters, key.Dst)
	}
	s.mu.Unlock()

	if callback != nil {
		callback(env)
	}
	if hasWaiter {
		close(waiter)
	}

	deliverEnv := env
	deliverEnv.Infection = t.infection
	_ = s.registry.DeliverDirect(deliverEnv, func(messaging.Envelope, error) {
		s.onHandlerDone(t)
	})

	s.mu.Lock()
	t.delivered = append(t.delivered, env)
	s.mu.Unlock()
}

// onHandlerDone demotes status back to running and either performs a
// deferred cleanup or continues the scheduling loop (spec.md §4.6).
func (s *Scheduler) onHandlerDone(t *trace) {
	s.mu.Lock()
	if t.status != statusDelivered {
		s.mu.Unlock()
		return
	}
	if t.cleanupRequested {
		flush, waiters := s.drainLocked(t)
		s.mu.Unlock()
		s.flushAndNotify(flush, waiters)
		return
	}
	t.status = statusRunning
	s.mu.Unlock()
	s.advance(t)
}

// drainLocked must be called with s.mu held. It collects every remaining
// queued message (infection stripped) for direct, unordered delivery, and
// removes the trace from the scheduler.
func (s *Scheduler) drainLocked(t *trace) ([]messaging.Envelope, []chan struct{}) {
	var flush []messaging.Envelope
	for _, q := range t.queues {
		for _, env := range q {
			env.Infection = uuid.Nil
			flush = append(flush, env)
		}
	}
	t.queues = map[ChannelKey][]messaging.Envelope{}
	t.status = statusStopped
	waiters := t.drainWaiters
	t.drainWaiters = nil
	delete(s.traces, t.id)
	delete(s.byInfection, t.infection)
	return flush, waiters
}

func (s *Scheduler) flushAndNotify(flush []messaging.Envelope, waiters []chan struct{}) {
	for _, env := range flush {
		_ = s.registry.DeliverDirect(env, func(e messaging.Envelope, err error) {
			s.logger.Warnf("protosched: cleanup flush to %s failed: %v", e.To, err)
		})
	}
	for _, w := range waiters {
		close(w)
	}
}
