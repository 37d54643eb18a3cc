package ports

import "github.com/ghalamif/FieldFlow/internal/domain"

// MeshSink accepts mesh samples from a producer goroutine. It reports false
// when the sample displaced an older one.
type MeshSink interface {
	Push(s domain.MeshSample) bool
}

// Collector streams asynchronously arriving samples (mesh bridges) into a sink.
type Collector interface {
	Start(out MeshSink) error
	Stop() error
}
