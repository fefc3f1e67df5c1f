package repeater

import "io"

// countingWriter tracks bytes written so a successful dispatch can report
// OutputLength to ReqManager.Finish without the dispatch functions needing
// to know about that bookkeeping.
type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
