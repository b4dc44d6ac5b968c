package dispatch

// Notifier is told when a drain cycle confirmed at least one mutation
// remotely. Applications hang cache invalidation or UI refresh off this.
// It fires at most once per cycle no matter how many entries committed.
type Notifier interface {
	NotifyChanged()
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func()

// NotifyChanged calls f.
func (f NotifierFunc) NotifyChanged() { f() }
