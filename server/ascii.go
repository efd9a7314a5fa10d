package server

import (
	"bufio"
	"io"
)

// asciiEncoder converts LF to CRLF on the fly for downloads in ASCII type.
// Lines that already end in CRLF are passed through unchanged.
type asciiEncoder struct {
	w      io.Writer
	lastCR bool // last byte written was CR, possibly in a previous Write
	buf    []byte
}

func newASCIIEncoder(w io.Writer) *asciiEncoder {
	return &asciiEncoder{w: w}
}

func (e *asciiEncoder) Write(p []byte) (int, error) {
	e.buf = e.buf[:0]
	for _, b := range p {
		if b == '\n' && !e.lastCR {
			e.buf = append(e.buf, '\r')
		}
		e.buf = append(e.buf, b)
		e.lastCR = b == '\r'
	}
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// asciiDecoder converts CRLF to LF for uploads in ASCII type. A CR that is
// not followed by LF is kept.
type asciiDecoder struct {
	r *bufio.Reader
}

func newASCIIDecoder(r io.Reader) *asciiDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiDecoder{r: br}
}

func (d *asciiDecoder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		// Return what we have rather than block on the network.
		if n > 0 && d.r.Buffered() == 0 {
			break
		}
		b, err := d.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b == '\r' {
			if next, err := d.r.Peek(1); err == nil && next[0] == '\n' {
				continue
			}
		}
		p[n] = b
		n++
	}
	return n, nil
}
