package reconcile

// Book holds one Stream per conversation.
type Book struct {
	streams map[string]*Stream
}

func NewBook() *Book {
	return &Book{streams: make(map[string]*Stream)}
}

// Stream returns the stream for id, creating it on first use.
func (b *Book) Stream(id string) *Stream {
	s, ok := b.streams[id]
	if !ok {
		s = NewStream(id)
		b.streams[id] = s
	}
	return s
}

func (b *Book) Lookup(id string) (*Stream, bool) {
	s, ok := b.streams[id]
	return s, ok
}
