package buffer

import "sync"

// Exchanges keeps the recent prompt/answer pairs for one plan. Replans feed
// them back into the prompt so the model sees what it already proposed.
type Exchanges struct {
	mu    sync.Mutex
	limit int
	items []Exchange
}

type Exchange struct {
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

func New(limit int) *Exchanges {
	return &Exchanges{limit: limit}
}

func (e *Exchanges) Add(x Exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, x)
	if e.limit > 0 && len(e.items) > e.limit {
		e.items = e.items[len(e.items)-e.limit:]
	}
}

func (e *Exchanges) Items() []Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Exchange(nil), e.items...)
}
