package serve

// BodyKind tells how a response was completed
type BodyKind string

// Body kinds reported to Observer.Completed
const (
	BodyEmpty       BodyKind = "empty"
	BodyBytes       BodyKind = "bytes"
	BodyText        BodyKind = "text"
	BodyStream      BodyKind = "stream"
	BodyUnavailable BodyKind = "unavailable" // 503 during shutdown
)

// Observer is told about the outcome of every dispatch. Methods are called
// concurrently from dispatch goroutines.
type Observer interface {
	Dispatched()
	Completed(kind BodyKind, status int)
	HandlerFailed(err error)
	Upgraded(kind string)
	Abnormal(err error)
}

// NopObserver ignores everything
type NopObserver struct{}

// Dispatched implements Observer
func (NopObserver) Dispatched() {}

// Completed implements Observer
func (NopObserver) Completed(BodyKind, int) {}

// HandlerFailed implements Observer
func (NopObserver) HandlerFailed(error) {}

// Upgraded implements Observer
func (NopObserver) Upgraded(string) {}

// Abnormal implements Observer
func (NopObserver) Abnormal(error) {}
