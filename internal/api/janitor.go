package api

import (
	"sync"
	"time"
)

// janitor calls sweep on a fixed interval until Stop.
type janitor struct {
	once sync.Once
	done chan struct{}
}

func startJanitor(every time.Duration, sweep func()) *janitor {
	j := &janitor{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-j.done:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
	return j
}

func (j *janitor) Stop() {
	j.once.Do(func() { close(j.done) })
}
