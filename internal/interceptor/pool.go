package interceptor

import "sync"

// workerPool 固定数量的工作协程与有界队列，队列满时拒绝提交
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers, queue int) *workerPool {
	if queue < workers {
		queue = workers
	}
	p := &workerPool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// submit 非阻塞提交任务
func (p *workerPool) submit(fn func()) bool {
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// stop 关闭队列并等待已提交任务完成，调用后不得再 submit
func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
