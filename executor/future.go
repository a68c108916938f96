package executor

import (
	"sync"

	"github.com/google/btree"
)

// Token is the completion token spec.md §4.5 describes: "{user_data,
// process_id, waker}". It is allocated when a dispatcher begins a
// long-running operation and retrieved by that operation's completion
// callback.
type Token struct {
	UserData  uint64
	ProcessID uint64
	TraceID   string
	Waker     func(result Result)

	cancelled bool
}

// Result is what a completed (or cancelled) future hands back to its waker.
type Result struct {
	Value     uint64
	Err       error
	Cancelled bool
}

// tokenItem orders PendingTable's btree by UserData, the key every
// lookup (completion, Cancel SQE) uses.
type tokenItem struct {
	key   uint64
	token *Token
}

func tokenLess(a, b tokenItem) bool { return a.key < b.key }

// PendingTable is the per-ring pending-completion-token table keyed by
// user_data (spec.md §4.5 step 2). Ordered iteration (via btree) backs
// diagnostics — walking all outstanding operations in user_data order —
// the same way process.Table orders live processes by PID.
type PendingTable struct {
	mu    sync.Mutex
	byKey *btree.BTreeG[tokenItem]
}

func NewPendingTable() *PendingTable {
	return &PendingTable{byKey: btree.NewG(32, tokenLess)}
}

// Register stores a fresh token under its UserData key. Two concurrently
// outstanding operations never share a user_data within one ring by
// construction of the submission protocol, so a collision indicates a
// caller bug.
func (p *PendingTable) Register(t *Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey.ReplaceOrInsert(tokenItem{key: t.UserData, token: t})
}

// Take removes and returns the token for userData, or (nil, false) if none.
func (p *PendingTable) Take(userData uint64) (*Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.byKey.Delete(tokenItem{key: userData})
	if !ok {
		return nil, false
	}
	return it.token, true
}

// Peek returns the token for userData without removing it — used by
// Cancel to inspect cancellability before committing.
func (p *PendingTable) Peek(userData uint64) (*Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.byKey.Get(tokenItem{key: userData})
	if !ok {
		return nil, false
	}
	return it.token, true
}

// Len reports the number of outstanding tokens.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey.Len()
}

// CancelAllForProcess marks every token owned by pid cancelled and
// removes them, invoking each waker with a Cancelled result — the
// termination-time cleanup spec.md §5 "Process termination cancels
// every outstanding operation issued by that process" describes.
func (p *PendingTable) CancelAllForProcess(pid uint64) []*Token {
	p.mu.Lock()
	var doomed []tokenItem
	p.byKey.Ascend(func(it tokenItem) bool {
		if it.token.ProcessID == pid {
			doomed = append(doomed, it)
		}
		return true
	})
	for _, it := range doomed {
		p.byKey.Delete(it)
	}
	p.mu.Unlock()

	tokens := make([]*Token, 0, len(doomed))
	for _, it := range doomed {
		it.token.cancelled = true
		if it.token.Waker != nil {
			it.token.Waker(Result{Cancelled: true})
		}
		tokens = append(tokens, it.token)
	}
	return tokens
}
