package engine

import (
	"errors"
	"io"

	"github.com/ridge/hserve/slab"
)

// Resources is a table of open byte streams
type Resources struct {
	table slab.Table[io.ReadCloser]
}

// Add registers the stream and returns its ID
func (r *Resources) Add(rc io.ReadCloser) ResourceID {
	return ResourceID{r.table.Insert(rc)}
}

// AddReader registers a stream that may or may not need closing
func (r *Resources) AddReader(reader io.Reader) ResourceID {
	if rc, ok := reader.(io.ReadCloser); ok {
		return r.Add(rc)
	}
	return r.Add(io.NopCloser(reader))
}

// Get returns the stream registered under the ID
func (r *Resources) Get(id ResourceID) (io.ReadCloser, error) {
	rc, ok := r.table.Get(id.Handle)
	if !ok {
		return nil, ErrBadResource
	}
	return rc, nil
}

// Close unregisters the stream and closes it
func (r *Resources) Close(id ResourceID) error {
	rc, ok := r.table.Remove(id.Handle)
	if !ok {
		return ErrBadResource
	}
	return rc.Close()
}

// Len returns the number of open resources
func (r *Resources) Len() int {
	return r.table.Len()
}

// Stream returns a reader over the resource. The stream remembers whether
// whoever consumes it should close the resource afterwards.
func (r *Resources) Stream(id ResourceID, autoClose bool) *Stream {
	return &Stream{resources: r, id: id, autoClose: autoClose}
}

// Stream is an io.ReadCloser backed by a resource
type Stream struct {
	resources *Resources
	id        ResourceID
	autoClose bool
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) {
	rc, err := s.resources.Get(s.id)
	if err != nil {
		return 0, err
	}
	return rc.Read(p)
}

// Close implements io.Closer. Closing an already closed stream is not an
// error.
func (s *Stream) Close() error {
	if err := s.resources.Close(s.id); err != nil && !errors.Is(err, ErrBadResource) {
		return err
	}
	return nil
}

// Backing returns the resource behind the stream and whether it should be
// closed after being consumed
func (s *Stream) Backing() (ResourceID, bool) {
	return s.id, s.autoClose
}
