package upload

// Notifier receives every chunk result for the task owner. Implementations
// must not block.
type Notifier interface {
	Notify(ownerID string, res Result)
}

type NotifierFunc func(ownerID string, res Result)

func (f NotifierFunc) Notify(ownerID string, res Result) { f(ownerID, res) }

type nopNotifier struct{}

func (nopNotifier) Notify(string, Result) {}
