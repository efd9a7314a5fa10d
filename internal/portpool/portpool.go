// Package portpool tracks the set of local ports the server may bind for
// passive-mode data connections.
//
// A pool is built from a textual specification such as "30000-30100" or
// "2121, 40000-, -1024" and hands out ports one at a time. Reservations are
// shared by every session of a listener, so all operations are safe for
// concurrent use.
package portpool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// NoPort is returned by ReserveNextPort when every candidate is in use.
// Callers should treat it as a transient condition and retry later.
const NoPort = -1

// MaxPort is the highest valid TCP port number.
const MaxPort = 65535

// ErrInvalidSpec is returned (wrapped) when a port specification cannot be parsed.
var ErrInvalidSpec = errors.New("portpool: invalid port specification")

// Pool is a set of candidate passive ports with reservation tracking.
//
// The zero value is an empty pool that never yields a port.
type Pool struct {
	spec   string
	secure bool

	// mu guards reserved. candidates and unrestricted are immutable after New.
	mu           sync.Mutex
	candidates   []int
	reserved     map[int]struct{}
	unrestricted bool
}

// New parses spec and returns a pool with no ports reserved.
//
// The specification is a list of entries separated by commas or whitespace.
// Each entry is one of:
//
//	p        a single port
//	lo-hi    every port from lo to hi inclusive
//	-hi      every port from 1 to hi
//	lo-      every port from lo to 65535
//
// Entries are expanded in the order written. A specification of exactly "0"
// yields an unrestricted pool: every reservation returns 0 (let the kernel
// pick) and nothing is tracked. Port 0 anywhere else, alone or as the low
// end of a range, is invalid.
//
// The secure flag records whether the pool serves an implicit-TLS listener;
// it does not change allocation.
func New(spec string, secure bool) (*Pool, error) {
	p := &Pool{
		spec:     spec,
		secure:   secure,
		reserved: make(map[int]struct{}),
	}

	trimmed := strings.TrimSpace(spec)
	if trimmed == "0" {
		p.unrestricted = true
		return p, nil
	}

	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	for _, field := range fields {
		lo, hi, err := parseEntry(field)
		if err != nil {
			return nil, err
		}
		if lo == 0 {
			return nil, fmt.Errorf("%w: port 0 in %q is only valid as the whole specification", ErrInvalidSpec, field)
		}
		for port := lo; port <= hi; port++ {
			p.candidates = append(p.candidates, port)
		}
	}

	return p, nil
}

func parseEntry(entry string) (int, int, error) {
	idx := strings.IndexByte(entry, '-')
	if idx == -1 {
		port, err := parsePort(entry)
		if err != nil {
			return 0, 0, err
		}
		return port, port, nil
	}

	loStr, hiStr := entry[:idx], entry[idx+1:]
	lo, hi := 1, MaxPort
	var err error
	if loStr == "" && hiStr == "" {
		return 0, 0, fmt.Errorf("%w: empty range %q", ErrInvalidSpec, entry)
	}
	if loStr != "" {
		if lo, err = parsePort(loStr); err != nil {
			return 0, 0, err
		}
	}
	if hiStr != "" {
		if hi, err = parsePort(hiStr); err != nil {
			return 0, 0, err
		}
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("%w: range %q is inverted", ErrInvalidSpec, entry)
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a port number", ErrInvalidSpec, s)
	}
	if port < 0 || port > MaxPort {
		return 0, fmt.Errorf("%w: port %d out of range [0, %d]", ErrInvalidSpec, port, MaxPort)
	}
	return port, nil
}

// ReserveNextPort returns the first candidate that is not currently reserved
// and marks it reserved. It returns NoPort if there are no candidates or all
// of them are in use, and 0 for an unrestricted pool.
func (p *Pool) ReserveNextPort() int {
	if p.unrestricted {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.candidates {
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if p.reserved == nil {
			p.reserved = make(map[int]struct{})
		}
		p.reserved[port] = struct{}{}
		return port
	}
	return NoPort
}

// ReleasePort makes port reservable again. Releasing 0 or a port that is not
// reserved does nothing.
func (p *Pool) ReleasePort(port int) {
	if port <= 0 || p.unrestricted {
		return
	}
	p.mu.Lock()
	delete(p.reserved, port)
	p.mu.Unlock()
}

// IsReserved reports whether port is currently reserved.
func (p *Pool) IsReserved(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reserved[port]
	return ok
}

// Reserved returns the number of ports currently reserved.
func (p *Pool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// Len returns the number of candidate positions, duplicates included.
func (p *Pool) Len() int {
	return len(p.candidates)
}

// Unrestricted reports whether the pool was built from "0".
func (p *Pool) Unrestricted() bool {
	return p.unrestricted
}

// Secure reports whether the pool belongs to an implicit-TLS listener.
func (p *Pool) Secure() bool {
	return p.secure
}

func (p *Pool) String() string {
	return p.spec
}
