// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

type TimerTask struct {
	Id       int64
	Execute  time.Time
	Interval time.Duration
	Callback func()
	index    int
}

type TimerQueue []*TimerTask

func (q TimerQueue) Len() int { return len(q) }

func (q TimerQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q TimerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *TimerQueue) Push(x interface{}) {
	n := len(*q)
	task := x.(*TimerTask)
	task.index = n
	*q = append(*q, task)
}

func (q *TimerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// TimerManager runs callbacks after a delay, optionally repeating. Sessions
// use one per instance for plugin background work and debounced saves, and
// Stop it on teardown.
type TimerManager struct {
	queue   TimerQueue
	mutex   sync.Mutex
	nextId  int64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewTimerManager() *TimerManager {
	manager := &TimerManager{
		queue:  make(TimerQueue, 0),
		nextId: 1,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	heap.Init(&manager.queue)
	go manager.process()
	return manager
}

// AddTimer schedules callback after delay. A positive interval repeats it.
// It returns 0 once the manager is stopped.
func (m *TimerManager) AddTimer(delay time.Duration, interval time.Duration, callback func()) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.stopped {
		return 0
	}

	task := &TimerTask{
		Id:       m.nextId,
		Execute:  time.Now().Add(delay),
		Interval: interval,
		Callback: callback,
	}
	m.nextId++

	heap.Push(&m.queue, task)
	m.signal()
	return task.Id
}

// RemoveTimer cancels a task that has not fired yet.
func (m *TimerManager) RemoveTimer(timerId int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, task := range m.queue {
		if task.Id == timerId {
			heap.Remove(&m.queue, i)
			return true
		}
	}
	return false
}

// Pending returns the number of queued tasks.
func (m *TimerManager) Pending() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.queue.Len()
}

// Stop drops every queued task and waits for running callbacks to return.
// It is safe to call more than once, but not from inside a callback.
func (m *TimerManager) Stop() {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	m.stopped = true
	m.queue = m.queue[:0]
	close(m.stop)
	m.mutex.Unlock()

	m.wg.Wait()
}

func (m *TimerManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *TimerManager) process() {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		m.mutex.Lock()
		now := time.Now()
		var due []*TimerTask
		for m.queue.Len() > 0 {
			task := m.queue[0]
			if task.Execute.After(now) {
				break
			}
			heap.Pop(&m.queue)
			due = append(due, task)

			if task.Interval > 0 {
				task.Execute = now.Add(task.Interval)
				heap.Push(&m.queue, task)
			}
		}
		next := time.Hour
		if m.queue.Len() > 0 {
			next = m.queue[0].Execute.Sub(now)
		}
		m.wg.Add(len(due))
		m.mutex.Unlock()

		for _, task := range due {
			go func(cb func()) {
				defer m.wg.Done()
				cb()
			}(task.Callback)
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(next)

		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-t.C:
		}
	}
}
