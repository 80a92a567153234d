package stream

// Splitter walks the payloads of one message body. It is finite and cannot be
// restarted; once Next reports false, Err tells whether the body ended cleanly
// or was abandoned because of an inconsistent sub-frame.
type Splitter struct {
	body  []byte
	msgID uint32
	off   int
	err   error
	done  bool
}

// NewSplitter returns a splitter over body for message msgID.
func NewSplitter(body []byte, msgID uint32) *Splitter {
	return &Splitter{body: body, msgID: msgID}
}

// Next returns the next payload. EndOfMessage is set on the payload whose last
// byte is the last byte of the body.
func (s *Splitter) Next() (Payload, bool) {
	if s.done {
		return Payload{}, false
	}
	if s.off >= len(s.body) {
		s.done = true
		return Payload{}, false
	}

	p, n, err := ParsePayload(s.body[s.off:], s.msgID)
	if err != nil {
		s.err = err
		s.done = true
		return Payload{}, false
	}

	s.off += n
	p.EndOfMessage = s.off >= len(s.body)
	return p, true
}

// Err returns the reason the sequence terminated early, or nil.
func (s *Splitter) Err() error {
	return s.err
}

// Dropped returns how many body bytes were not yielded as payloads.
func (s *Splitter) Dropped() int {
	if s.err == nil {
		return 0
	}
	return len(s.body) - s.off
}
