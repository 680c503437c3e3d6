package model

// Message is one raw email retrieved from a mail source.
type Message struct {
	ID  string
	Raw []byte
}

// Size returns the raw message length in bytes.
func (m Message) Size() int64 {
	return int64(len(m.Raw))
}
