package step

import "context"

// SliceReader is an ItemReader that yields the contents of a slice.
type SliceReader struct {
	items []interface{}
	cur   interface{}
	pos   int
}

// NewSliceReader returns a reader for the specified items.
func NewSliceReader(items ...interface{}) *SliceReader {
	return &SliceReader{items: items}
}

// Next implements ItemReader.
func (r *SliceReader) Next(ctx context.Context) bool {
	if ctx.Err() != nil || r.pos >= len(r.items) {
		return false
	}
	r.cur = r.items[r.pos]
	r.pos++
	return true
}

// Item implements ItemReader.
func (r *SliceReader) Item() interface{} { return r.cur }

// Error implements ItemReader.
func (r *SliceReader) Error() error { return nil }
