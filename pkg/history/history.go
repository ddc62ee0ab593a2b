// Package history is the hash-chained request ledger bound to the store.
// Every registered request extends a chain root, so any divergence
// between replicas shows up as a root mismatch at the next signature.
package history

import (
	"crypto/sha256"
	"encoding/binary"
	"log"
	"sync"

	"arx/pkg/kv"
)

// Entry is one registered request awaiting execution by consensus.
type Entry struct {
	ID      kv.RequestID
	Caller  kv.CallerID
	Cert    []byte
	Request []byte
	Frame   kv.FrameFormat
}

// Chained is an in-memory kv.History. MaxPending bounds the number of
// registered-but-unexecuted requests; AddRequest refuses beyond it.
type Chained struct {
	mu          sync.Mutex
	root        [sha256.Size]byte
	pending     []Entry
	sigRequests uint64
	emitted     uint64

	MaxPending int

	// EmitSignature, when set, is called for each accepted signature
	// hint with the chain root at that point. The node wires this to the
	// signature transaction writer.
	EmitSignature func(root [sha256.Size]byte)
}

func NewChained() *Chained {
	return &Chained{MaxPending: 1024}
}

// AddRequest registers a request under the chain. Returns false when the
// pending window is full or the request id is already present.
func (h *Chained) AddRequest(id kv.RequestID, caller kv.CallerID, cert []byte, request []byte, frame kv.FrameFormat) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MaxPending > 0 && len(h.pending) >= h.MaxPending {
		log.Printf("history: pending window full, refusing request %v", id)
		return false
	}
	for _, e := range h.pending {
		if e.ID == id {
			return false
		}
	}
	h.pending = append(h.pending, Entry{
		ID:      id,
		Caller:  caller,
		Cert:    append([]byte(nil), cert...),
		Request: append([]byte(nil), request...),
		Frame:   frame,
	})
	h.extendLocked(id, request)
	return true
}

func (h *Chained) extendLocked(id kv.RequestID, request []byte) {
	hash := sha256.New()
	hash.Write(h.root[:])
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(id.CallerID))
	binary.BigEndian.PutUint64(buf[8:], id.ClientSessionID)
	binary.BigEndian.PutUint64(buf[16:], id.RequestIndex)
	hash.Write(buf[:])
	hash.Write(request)
	copy(h.root[:], hash.Sum(nil))
}

// TryEmitSignature records a signature hint; the actual signature
// transaction is the node's job via EmitSignature.
func (h *Chained) TryEmitSignature() {
	h.mu.Lock()
	h.sigRequests++
	emit := h.EmitSignature
	root := h.root
	h.mu.Unlock()
	if emit != nil {
		emit(root)
	}
}

// FlushPending drains the registered-request window, returning nothing:
// requests drained here have been handed to consensus for execution.
func (h *Chained) FlushPending() {
	h.mu.Lock()
	h.emitted += uint64(len(h.pending))
	h.pending = h.pending[:0]
	h.mu.Unlock()
}

// TakePending removes and returns the registered requests, oldest first.
// Consensus drivers consume this when scheduling execution.
func (h *Chained) TakePending() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	h.emitted += uint64(len(out))
	return out
}

// Root returns the current chain root.
func (h *Chained) Root() [sha256.Size]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.root
}

// SignatureRequests returns how many signature hints have been accepted.
func (h *Chained) SignatureRequests() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sigRequests
}
