package cluster

import "sync"

// Listeners holds the channels a DiscoveryService publishes member
// lists to. Slow listeners only ever see the latest list.
type Listeners struct {
	mu    sync.Mutex
	chans map[string]chan []ServingService
}

func (l *Listeners) Add(key string, ch chan []ServingService) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chans == nil {
		l.chans = make(map[string]chan []ServingService)
	}
	l.chans[key] = ch
}

func (l *Listeners) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chans, key)
}

// Notify sends members to every listener without blocking
func (l *Listeners) Notify(members []ServingService) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.chans {
		select {
		case ch <- members:
			continue
		default:
		}
		// Replace the pending stale list
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- members:
		default:
		}
	}
}
