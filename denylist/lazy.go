package denylist

import (
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"
)

// Lazy loads the list at path on first use and keeps it for the lifetime
// of the process. A list that cannot be loaded is replaced by an empty one,
// so the responder keeps answering without blocking.
type Lazy struct {
	path   string
	onLoad func(*List)

	once sync.Once
	list *List
}

// NewLazy returns a loader for path. onLoad, if set, runs once after loading.
func NewLazy(path string, onLoad func(*List)) *Lazy {
	return &Lazy{path: path, onLoad: onLoad}
}

// Get returns the list, loading it on the first call.
func (l *Lazy) Get() *List {
	l.once.Do(l.load)
	return l.list
}

func (l *Lazy) load() {
	if l.path == "" {
		zlog.Warn("No deny-list configured, blocking disabled")
		l.list = Empty()
	} else {
		start := time.Now()

		list, err := LoadFile(l.path)
		if err != nil {
			zlog.Error("Deny-list load failed, blocking disabled", "path", l.path, "error", err.Error())
			list = Empty()
		} else {
			zlog.Info("Deny-list loaded", "path", l.path, "entries", list.Len(), "duration", time.Since(start).String())
		}

		l.list = list
	}

	if l.onLoad != nil {
		l.onLoad(l.list)
	}
}
