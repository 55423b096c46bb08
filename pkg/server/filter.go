package server

// FilterResult is the moderation outcome for one chat message.
type FilterResult struct {
	Filtered string
	Blocked  bool
	// Mask lists censored rune offsets, applied client-side for players
	// that opted into filtered text.
	Mask []int
}

// TextFilter is the asynchronous moderation collaborator. Filter returns
// immediately; Done closes when the result is available. Results are applied
// through the per-player task chain so delivery order matches submission
// order no matter when filtering completes.
type TextFilter interface {
	Filter(content string) *FilterFuture
}

// FilterFuture carries one in-flight filter request.
type FilterFuture struct {
	done   chan struct{}
	result FilterResult
}

// NewFilterFuture creates an unresolved future.
func NewFilterFuture() *FilterFuture {
	return &FilterFuture{done: make(chan struct{})}
}

// Complete resolves the future. Must be called exactly once.
func (f *FilterFuture) Complete(r FilterResult) {
	f.result = r
	close(f.done)
}

// Done closes when the result is available.
func (f *FilterFuture) Done() <-chan struct{} { return f.done }

// Result is valid only after Done is closed.
func (f *FilterFuture) Result() FilterResult { return f.result }

// PassthroughFilter resolves every message unchanged, synchronously.
type PassthroughFilter struct{}

func (PassthroughFilter) Filter(content string) *FilterFuture {
	f := NewFilterFuture()
	f.Complete(FilterResult{Filtered: content})
	return f
}

// WorkerFilter runs a filter function on a bounded worker pool, completing
// futures as workers finish. Completion order is arbitrary; the task chain
// restores submission order.
type WorkerFilter struct {
	jobs chan workerJob
}

type workerJob struct {
	content string
	future  *FilterFuture
}

// NewWorkerFilter starts n workers applying fn.
func NewWorkerFilter(n int, fn func(string) FilterResult) *WorkerFilter {
	wf := &WorkerFilter{jobs: make(chan workerJob, n*4)}
	for i := 0; i < n; i++ {
		go func() {
			for job := range wf.jobs {
				job.future.Complete(fn(job.content))
			}
		}()
	}
	return wf
}

// Filter enqueues a moderation request.
func (wf *WorkerFilter) Filter(content string) *FilterFuture {
	f := NewFilterFuture()
	wf.jobs <- workerJob{content: content, future: f}
	return f
}

// Close stops the worker pool.
func (wf *WorkerFilter) Close() { close(wf.jobs) }
