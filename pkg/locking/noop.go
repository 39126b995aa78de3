package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. The store still keeps its
// index consistent on its own, so this only gives up per-key deduplication.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	return fn()
}
