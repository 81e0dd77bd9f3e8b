package conn

import "sync"

// executor runs submitted funcs one at a time in submission order.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newExecutor() *executor {
	return &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (e *executor) submit(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// submitWait submits fn and blocks until it ran or the executor finished.
func (e *executor) submitWait(fn func()) bool {
	ran := make(chan struct{})
	if !e.submit(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// stop queues final as the last task. Anything submitted afterwards is
// rejected.
func (e *executor) stop(final func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, final)
	e.stopped = true
	e.mu.Unlock()
	e.signal()
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			stopped := e.stopped
			e.mu.Unlock()
			if stopped {
				return
			}
			<-e.wake
			continue
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
