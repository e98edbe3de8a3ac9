package runner

// Job produces one value, possibly alongside an error.
type Job[T any] func() (T, error)

type jobResult[T any] struct {
	val T
	err error
}

// FanIn runs every job on its own goroutine and hands each value to collect
// as it arrives. collect only ever runs on the calling goroutine, so it may
// write shared state without locking. FanIn returns once every job has
// finished, with the errors in completion order.
func FanIn[T any](jobs []Job[T], collect func(T)) []error {
	results := make(chan jobResult[T], len(jobs))
	for _, job := range jobs {
		go func() {
			v, err := job()
			results <- jobResult[T]{val: v, err: err}
		}()
	}

	var errs []error
	for range jobs {
		r := <-results
		if collect != nil {
			collect(r.val)
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return errs
}
