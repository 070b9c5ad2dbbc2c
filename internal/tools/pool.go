package tools

import (
	"context"
	"sync"
)

// workerPool bounds how many blocking tool handlers run at once. Submitting
// callers block until a worker picks the task up or their context ends.
type workerPool struct {
	tasks     chan poolTask
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type poolTask struct {
	ctx   context.Context
	fn    func(context.Context) (string, error)
	reply chan poolResult
}

type poolResult struct {
	text string
	err  error
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	p := &workerPool{
		tasks: make(chan poolTask),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case task := <-p.tasks:
			if task.ctx.Err() != nil {
				task.reply <- poolResult{err: task.ctx.Err()}
				continue
			}
			text, err := task.fn(task.ctx)
			task.reply <- poolResult{text: text, err: err}
		}
	}
}

func (p *workerPool) run(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	reply := make(chan poolResult, 1)
	select {
	case p.tasks <- poolTask{ctx: ctx, fn: fn, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.done:
		return "", context.Canceled
	}
	select {
	case res := <-reply:
		return res.text, res.err
	case <-ctx.Done():
		// The worker finishes on its own; the buffered reply keeps it from
		// blocking.
		return "", ctx.Err()
	}
}

func (p *workerPool) close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
