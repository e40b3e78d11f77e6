package notify

import "sync"

// Trigger runs fn on its own goroutine whenever it is fired. Fires that
// arrive while a run is pending collapse into that run; a fire during a run
// schedules exactly one more.
type Trigger struct {
	fn   func()
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewTrigger starts the goroutine behind fn.
func NewTrigger(fn func()) *Trigger {
	t := &Trigger{
		fn:   fn,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Trigger) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
			t.fn()
		}
	}
}

// Fire schedules a run of fn. It never blocks.
func (t *Trigger) Fire() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Stop ends the goroutine and waits for a run in progress. It must not be
// called from fn. Fires after Stop are dropped.
func (t *Trigger) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
