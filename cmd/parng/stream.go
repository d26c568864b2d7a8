package main

import "io"

// arrivingStream exposes a file as if it were still being received: only the bytes
// that have "arrived" are readable, and a read past them reports io.EOF.
type arrivingStream struct {
	data    []byte
	arrived int
	off     int
}

func (s *arrivingStream) arrive(n int) {
	s.arrived = min(s.arrived+n, len(s.data))
}

func (s *arrivingStream) complete() bool {
	return s.arrived == len(s.data)
}

func (s *arrivingStream) Read(p []byte) (int, error) {
	if s.off >= s.arrived {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:s.arrived])
	s.off += n
	return n, nil
}
