package router

// Inflight is one outstanding __subscription__ method call, keyed by its
// router-private method id.
type Inflight struct {
	SubId     string
	Name      string
	Params    []any
	Cancelled bool
	TimedOut  bool
}

type inflightEntry struct {
	inflight       *Inflight
	updateReceived bool
}

// Inflights tracks outstanding router-originated method calls so their
// result and updated frames can be consumed instead of forwarded. The
// server may deliver result and updated in either order; an entry is
// dropped once both arrived.
type Inflights struct {
	entries map[string]*inflightEntry
	bySub   map[string]string
}

func NewInflights() *Inflights {
	return &Inflights{
		entries: map[string]*inflightEntry{},
		bySub:   map[string]string{},
	}
}

func (self *Inflights) Register(methodId string, inflight *Inflight) {
	self.entries[methodId] = &inflightEntry{inflight: inflight}
	self.bySub[inflight.SubId] = methodId
}

// ProcessResult consumes the result of a router method call. The second
// return is false when the id belongs to the client.
func (self *Inflights) ProcessResult(methodId string) (*Inflight, bool) {
	entry, ok := self.entries[methodId]
	if !ok {
		return nil, false
	}
	inflight := entry.inflight
	if entry.updateReceived {
		delete(self.entries, methodId)
	} else {
		entry.inflight = nil
	}
	if inflight != nil {
		delete(self.bySub, inflight.SubId)
	}
	return inflight, true
}

// ProcessUpdate consumes an updated notification for a router method call.
// Returns false when the id belongs to the client.
func (self *Inflights) ProcessUpdate(methodId string) bool {
	entry, ok := self.entries[methodId]
	if !ok {
		return false
	}
	if entry.inflight != nil {
		entry.updateReceived = true
	} else {
		delete(self.entries, methodId)
	}
	return true
}

// MarkTimedOut flags an unresolved call as timed out so its eventual result
// is discarded, and returns its inflight for the decline path. Calls that
// already resolved, timed out, or were cancelled return nil.
func (self *Inflights) MarkTimedOut(methodId string) *Inflight {
	entry, ok := self.entries[methodId]
	if !ok || entry.inflight == nil {
		return nil
	}
	inflight := entry.inflight
	if inflight.Cancelled || inflight.TimedOut {
		return nil
	}
	inflight.TimedOut = true
	return inflight
}

// Cancel marks the in-flight call for a subscription id whose client
// unsubscribed before the offload resolved; its eventual result is
// discarded.
func (self *Inflights) Cancel(subId string) bool {
	methodId, ok := self.bySub[subId]
	if !ok {
		return false
	}
	entry := self.entries[methodId]
	if entry == nil || entry.inflight == nil || entry.inflight.TimedOut {
		// A timed-out offload already became an upstream sub; the unsub
		// must follow it there.
		return false
	}
	entry.inflight.Cancelled = true
	return true
}
