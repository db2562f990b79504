package rmtman

import (
	"context"
	"time"

	"github.com/ringkv/ringkv/internal/keyspace"
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/runtime"

	"github.com/ringkv/ringkv/internal/cyclon"
)

// cacheRequestTimeout bounds how long a periodic tick waits on the random
// peer source before proceeding without a view (spec.md §4.3's contract
// allows an empty response).
const cacheRequestTimeout = 2 * time.Second

// Machine holds RM-TMan's fixed collaborators; State is everything that
// changes per message. A Machine's Handler method is a stateless closure
// over these collaborators, matching the runtime's init/on(msg,state) shape.
type Machine struct {
	cfg       Config
	cache     cyclon.Cache
	registry  *messaging.Registry
	logger    runtime.Logger
	self      neighborhood.ProcessAddr
	suspicion SuspicionSink
}

// NewMachine builds an RM-TMan machine for the process at self.
func NewMachine(cfg Config, cache cyclon.Cache, registry *messaging.Registry, logger runtime.Logger, self neighborhood.ProcessAddr, suspicion SuspicionSink) *Machine {
	if suspicion == nil {
		suspicion = NopSuspicionSink{}
	}
	return &Machine{cfg: cfg, cache: cache, registry: registry, logger: logger, self: self, suspicion: suspicion}
}

// InitialState builds the alone state for a freshly-joined node: its own
// descriptor with no real predecessor or successor (spec.md §4.2's
// new(pred, me, succ) applied with pred = succ = me).
func (m *Machine) InitialState(me neighborhood.Descriptor) State {
	return State{
		Nbh:     neighborhood.New(me, me, me),
		pending: map[neighborhood.ProcessAddr]pendingProbe{},
	}
}

// Handler returns the runtime.Handler driving this machine.
func (m *Machine) Handler() runtime.Handler {
	return func(env messaging.Envelope, raw any) runtime.Outcome {
		state, _ := raw.(State)
		if state.pending == nil {
			state.pending = map[neighborhood.ProcessAddr]pendingProbe{}
		}

		switch env.Tag {
		case TagTrigger:
			return runtime.Next(m.periodicAction(state))

		case TagCacheResponse:
			msg, ok := env.Payload.(CacheResponseMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.triggerUpdate(state, filterSelf(msg.Peers, m.self), nil))

		case TagBuffer:
			msg, ok := env.Payload.(BufferMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.handleBuffer(env.From, state, msg))

		case TagBufferResponse:
			msg, ok := env.Payload.(BufferResponseMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			state = m.bumpRandView(state)
			return runtime.Next(m.triggerUpdate(state, nil, &msg.OtherNbh))

		case TagGetNodeDetails:
			m.replyNodeDetails(env.From, state)
			return runtime.Next(state)

		case TagGetNodeDetailsResponse:
			msg, ok := env.Payload.(GetNodeDetailsResponseMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.handleProbeResponse(env.From, state, msg))

		case TagNewPred:
			msg, ok := env.Payload.(NewPredMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{msg.Pred}, nil, nil))

		case TagNewSucc:
			msg, ok := env.Payload.(NewSuccMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{msg.Succ}, nil, nil))

		case TagRemovePred:
			msg, ok := env.Payload.(RemovePredMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.removePredLoop(state, msg.Old, msg.PredOfOld))

		case TagRemoveSucc:
			msg, ok := env.Payload.(RemoveSuccMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{msg.SuccOfOld}, []neighborhood.ProcessAddr{msg.Old.Addr}, nil))

		case TagUpdateNode:
			msg, ok := env.Payload.(UpdateNodeMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			state.Nbh = applyUpdateMe(state.Nbh, msg.NewMe)
			return runtime.Next(state)

		case TagCrashedNode:
			msg, ok := env.Payload.(CrashedNodeMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.updateAndMaybeRetrigger(state, nil, []neighborhood.ProcessAddr{msg.Addr}, m.suspicion.AddZombieCandidate))

		case TagZombieNode:
			msg, ok := env.Payload.(ZombieNodeMsg)
			if !ok {
				return runtime.Unknown(state)
			}
			return runtime.Next(m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{msg.Node}, nil, nil))

		default:
			return runtime.Unknown(state)
		}
	}
}

// periodicAction implements spec.md §4.5's periodic trigger: if alone, do
// nothing (a joining peer will contact us); otherwise build a random view,
// pick safe pred/succ, and gossip a buffer to both.
func (m *Machine) periodicAction(state State) State {
	if state.Alone() {
		return state
	}

	view := m.requestRandomView(state)
	pred, succ := safePredSucc(state.Nbh, view)

	reqPredsMin := max0(m.cfg.PredL - len(state.Nbh.Preds))
	reqSuccsMin := max0(m.cfg.SuccL - len(state.Nbh.Succs))

	buf := messaging.Envelope{
		From: m.self, Tag: TagBuffer,
		Payload: BufferMsg{OtherNbh: state.Nbh, ReqPredsMin: reqPredsMin, ReqSuccsMin: reqSuccsMin},
	}
	m.send(succ.Addr, buf)
	if pred.Addr != succ.Addr {
		m.send(pred.Addr, buf)
	}

	return m.triggerUpdate(state, view, nil)
}

func (m *Machine) requestRandomView(state State) []neighborhood.Descriptor {
	n := state.RandViewSize
	if n < 1 {
		n = 1
	}
	if n > m.cfg.MaxCacheSize {
		n = m.cfg.MaxCacheSize
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheRequestTimeout)
	defer cancel()
	select {
	case view := <-m.cache.Request(ctx, n):
		return filterSelf(view, m.self)
	case <-ctx.Done():
		return nil
	}
}

// handleBuffer builds the predL/succL-bounded view of our neighborhood
// centered on the sender, filtered toward the arcs on either side of it,
// then replies and folds the sender's neighborhood into our own (spec.md
// §4.5's "Receiving buffer").
func (m *Machine) handleBuffer(from neighborhood.ProcessAddr, state State, msg BufferMsg) State {
	senderMe := msg.OtherNbh.Me
	candidates := append([]neighborhood.Descriptor{state.Nbh.Me}, state.Nbh.Descriptors()...)
	candidates = append(candidates, msg.OtherNbh.Descriptors()...)

	framed := neighborhood.New(senderMe, senderMe, senderMe)
	framed = framed.Add(candidates, m.cfg.PredL, m.cfg.SuccL)

	otherPredLast := senderMe.ID
	if n := len(msg.OtherNbh.Preds); n > 0 {
		otherPredLast = msg.OtherNbh.Preds[n-1].ID
	}
	otherSuccLast := senderMe.ID
	if n := len(msg.OtherNbh.Succs); n > 0 {
		otherSuccLast = msg.OtherNbh.Succs[n-1].ID
	}
	predArc := keyspace.New(otherPredLast, senderMe.ID, false, false)
	succArc := keyspace.New(senderMe.ID, otherSuccLast, false, false)

	reply := neighborhood.Neighborhood{
		Me:    senderMe,
		Preds: filterSide(framed.Preds, predArc, msg.ReqPredsMin),
		Succs: filterSide(framed.Succs, succArc, msg.ReqSuccsMin),
	}

	m.send(from, messaging.Envelope{From: m.self, Tag: TagBufferResponse, Payload: BufferResponseMsg{OtherNbh: reply}})

	state = m.bumpRandView(state)
	foreign := msg.OtherNbh
	return m.triggerUpdate(state, nil, &foreign)
}

// filterSide keeps the candidates (already distance-sorted) that lie within
// arc, padding with the closest remaining candidates if fewer than minKeep
// survive the filter (spec.md §4.5: "retaining at least req_*_min").
func filterSide(candidates []neighborhood.Descriptor, arc keyspace.Interval, minKeep int) []neighborhood.Descriptor {
	var inArc, rest []neighborhood.Descriptor
	for _, d := range candidates {
		if arc.In(d.ID) {
			inArc = append(inArc, d)
		} else {
			rest = append(rest, d)
		}
	}
	if len(inArc) >= minKeep {
		return inArc
	}
	need := minKeep - len(inArc)
	if need > len(rest) {
		need = len(rest)
	}
	return append(inArc, rest[:need]...)
}

// triggerUpdate absorbs version updates for already-known processes, then
// diffs a scratch candidate pool (random view + foreign neighborhood) against
// what we knew before, probing every newly-appeared process. The committed
// neighborhood only gains version updates here — new peers are admitted
// later, from the probe response (spec.md §4.5).
func (m *Machine) triggerUpdate(state State, randomView []neighborhood.Descriptor, foreign *neighborhood.Neighborhood) State {
	foreignNodes := append([]neighborhood.Descriptor(nil), randomView...)
	if foreign != nil {
		// The sender's own descriptor is itself a candidate neighbor, not
		// just whoever it already lists as its preds/succs.
		foreignNodes = append(foreignNodes, foreign.Me)
		foreignNodes = append(foreignNodes, foreign.Descriptors()...)
	}

	oldAddrs := addrSet(state.Nbh.Descriptors())
	nbh := state.Nbh.UpdateIDs(foreignNodes)

	candidate := nbh.Add(foreignNodes, m.cfg.PredL, m.cfg.SuccL)

	state.Nbh = nbh
	state.pending = state.clonePending()
	for _, d := range candidate.Descriptors() {
		if d.Addr == m.self || oldAddrs[d.Addr] {
			continue
		}
		if _, already := state.pending[d.Addr]; already {
			continue
		}
		state.pending[d.Addr] = pendingProbe{kind: probeAdmission}
		m.sendProbe(&state, d.Addr)
	}
	return state
}

func (m *Machine) sendProbe(state *State, addr neighborhood.ProcessAddr) {
	var sendErr error
	_ = m.registry.Send(
		messaging.Envelope{From: m.self, To: addr, Tag: TagGetNodeDetails, Payload: GetNodeDetailsMsg{}},
		func(_ messaging.Envelope, err error) { sendErr = err },
	)
	if sendErr != nil {
		*state = m.updateAndMaybeRetrigger(*state, nil, []neighborhood.ProcessAddr{addr}, m.suspicion.AddZombieCandidate)
		delete(state.pending, addr)
	}
}

func (m *Machine) replyNodeDetails(to neighborhood.ProcessAddr, state State) {
	m.send(to, messaging.Envelope{
		From: m.self, Tag: TagGetNodeDetailsResponse,
		Payload: GetNodeDetailsResponseMsg{Node: state.Nbh.Me, IsLeaving: false},
	})
}

// handleProbeResponse admits a probed peer on confirmation, or repeats the
// predecessor-removal recheck loop if it was found leaving (spec.md §4.5).
func (m *Machine) handleProbeResponse(from neighborhood.ProcessAddr, state State, msg GetNodeDetailsResponseMsg) State {
	pending, ok := state.pending[from]
	if !ok {
		return state // stray or late response; nothing was waiting on it
	}
	state.pending = state.clonePending()
	delete(state.pending, from)

	if msg.IsLeaving {
		if pending.kind == probePredRecheck {
			state = m.updateAndMaybeRetrigger(state, nil, []neighborhood.ProcessAddr{from}, m.suspicion.AddZombieCandidate)
			return m.recheckPred(state, pending.predOfOld)
		}
		return state
	}

	if pending.kind == probeAdmission {
		return m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{msg.Node}, nil, nil)
	}
	return state
}

// removePredLoop performs the first update_nodes step of graceful
// predecessor removal, then repeats probing the resulting immediate
// predecessor until it matches predOfOld or is confirmed (spec.md §4.5).
func (m *Machine) removePredLoop(state State, old, predOfOld neighborhood.Descriptor) State {
	state = m.updateAndMaybeRetrigger(state, []neighborhood.Descriptor{predOfOld}, []neighborhood.ProcessAddr{old.Addr}, m.suspicion.AddZombieCandidate)
	return m.recheckPred(state, predOfOld)
}

func (m *Machine) recheckPred(state State, expected neighborhood.Descriptor) State {
	if !state.Nbh.HasRealPred() {
		return state
	}
	candidate := state.Nbh.Preds[0]
	if candidate.Addr == expected.Addr {
		return state
	}
	if _, already := state.pending[candidate.Addr]; already {
		return state
	}
	state.pending = state.clonePending()
	state.pending[candidate.Addr] = pendingProbe{kind: probePredRecheck, predOfOld: expected}
	m.sendProbe(&state, candidate.Addr)
	return state
}

// updateAndMaybeRetrigger applies update_nodes and, if the immediate
// predecessor or successor changed, runs the periodic action immediately
// instead of waiting for the next tick (spec.md §4.5).
func (m *Machine) updateAndMaybeRetrigger(state State, add []neighborhood.Descriptor, remove []neighborhood.ProcessAddr, onRemove func(neighborhood.Descriptor)) State {
	newState, immediate := m.updateNodes(state, add, remove, onRemove)
	if immediate {
		newState = m.periodicAction(newState)
	}
	return newState
}

func (m *Machine) updateNodes(state State, add []neighborhood.Descriptor, remove []neighborhood.ProcessAddr, onRemove func(neighborhood.Descriptor)) (State, bool) {
	removeSet := map[neighborhood.ProcessAddr]bool{}
	for _, a := range remove {
		removeSet[a] = true
	}
	oldNbh := state.Nbh
	nbh := oldNbh.Filter(func(d neighborhood.Descriptor) bool { return !removeSet[d.Addr] }, onRemove)
	nbh = nbh.Add(add, m.cfg.PredL, m.cfg.SuccL)

	churn := !descriptorSetEqual(oldNbh.Descriptors(), nbh.Descriptors())
	state.Nbh = nbh
	state.Churn = churn
	if len(remove) > 0 && churn {
		state.RandViewSize = 0
	}
	return state, immediateNeighborChanged(oldNbh, nbh)
}

func (m *Machine) bumpRandView(state State) State {
	if state.RandViewSize < 1 {
		state.RandViewSize = 1
	} else if state.RandViewSize < m.cfg.MaxCacheSize {
		state.RandViewSize++
	}
	return state
}

func (m *Machine) send(to neighborhood.ProcessAddr, env messaging.Envelope) {
	env.To = to
	_ = m.registry.Send(env, func(env messaging.Envelope, err error) {
		m.logger.Warnf("rmtman: send %s failed: %v", env, err)
	})
}

func applyUpdateMe(nbh neighborhood.Neighborhood, newMe neighborhood.Descriptor) neighborhood.Neighborhood {
	if newMe.Newer(nbh.Me) {
		nbh.Me = newMe
	}
	return nbh
}

func safePredSucc(nbh neighborhood.Neighborhood, view []neighborhood.Descriptor) (pred, succ neighborhood.Descriptor) {
	switch {
	case nbh.HasRealPred():
		pred = nbh.Preds[0]
	case len(view) > 0:
		pred = view[0]
	default:
		pred = nbh.Me
	}
	switch {
	case nbh.HasRealSucc():
		succ = nbh.Succs[0]
	case len(view) > 0:
		succ = pickOther(view, pred.Addr)
	default:
		succ = nbh.Me
	}
	return pred, succ
}

func pickOther(view []neighborhood.Descriptor, exclude neighborhood.ProcessAddr) neighborhood.Descriptor {
	for _, d := range view {
		if d.Addr != exclude {
			return d
		}
	}
	return view[0]
}

func filterSelf(peers []neighborhood.Descriptor, self neighborhood.ProcessAddr) []neighborhood.Descriptor {
	out := peers[:0:0]
	seen := map[neighborhood.ProcessAddr]bool{}
	for _, p := range peers {
		if p.Addr == self || seen[p.Addr] {
			continue
		}
		seen[p.Addr] = true
		out = append(out, p)
	}
	return out
}

func addrSet(ds []neighborhood.Descriptor) map[neighborhood.ProcessAddr]bool {
	out := make(map[neighborhood.ProcessAddr]bool, len(ds))
	for _, d := range ds {
		out[d.Addr] = true
	}
	return out
}

func descriptorSetEqual(a, b []neighborhood.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	byAddr := make(map[neighborhood.ProcessAddr]neighborhood.Descriptor, len(a))
	for _, d := range a {
		byAddr[d.Addr] = d
	}
	for _, d := range b {
		prev, ok := byAddr[d.Addr]
		if !ok || prev.Version != d.Version || prev.ID != d.ID {
			return false
		}
	}
	return true
}

func immediateNeighborChanged(old, next neighborhood.Neighborhood) bool {
	oldPred, oldHasPred := firstAddr(old.Preds)
	newPred, newHasPred := firstAddr(next.Preds)
	if oldHasPred != newHasPred || oldPred != newPred {
		return true
	}
	oldSucc, oldHasSucc := firstAddr(old.Succs)
	newSucc, newHasSucc := firstAddr(next.Succs)
	return oldHasSucc != newHasSucc || oldSucc != newSucc
}

func firstAddr(ds []neighborhood.Descriptor) (neighborhood.ProcessAddr, bool) {
	if len(ds) == 0 {
		return "", false
	}
	return ds[0].Addr, true
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
