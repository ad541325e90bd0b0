// Package backoff implements the retry schedule pattern shared by every
// retry-driven engine in this module (STUN requester, TURN allocation
// refresh, RUDP RTO retransmission). See spec §4.1.
//
// A Pattern is two independent schedules: attemptTimeouts (how long a
// single attempt waits for a reply) and retryAfterDurations (the delay
// before the next attempt begins), plus an optional maxAttempts cap. Either
// segment may end in a "*m:cap" multiplier clause: once the enumerated
// values are exhausted, the last value is multiplied by m repeatedly,
// clamped at cap.
package backoff

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Segment is one half of a Pattern: an enumerated list of durations plus an
// optional geometric continuation.
type Segment struct {
	Values     []time.Duration
	Multiplier float64
	Cap        time.Duration
	HasTail    bool
}

// At returns the duration to use for the k'th (0-indexed) attempt in this
// segment. Deterministic given (segment, k), per spec §4.1's failure-policy
// invariant.
func (s Segment) At(k int) (time.Duration, bool) {
	if k < len(s.Values) {
		return s.Values[k], true
	}
	if !s.HasTail || len(s.Values) == 0 {
		return 0, false
	}
	last := s.Values[len(s.Values)-1]
	extra := k - len(s.Values) + 1
	d := float64(last)
	for i := 0; i < extra; i++ {
		d *= s.Multiplier
		if s.Cap > 0 && time.Duration(d) > s.Cap {
			d = float64(s.Cap)
			break
		}
	}
	return time.Duration(d), true
}

// Pattern is the parsed retry schedule.
type Pattern struct {
	Attempt     Segment
	Retry       Segment
	MaxAttempts int // 0 means unbounded (only valid if a segment is finite without a tail, or the tail is capped)
}

// Bounded reports whether the pattern is guaranteed to terminate: either
// MaxAttempts is set, or neither segment has an uncapped geometric tail.
func (p Pattern) Bounded() bool {
	if p.MaxAttempts > 0 {
		return true
	}
	if p.Attempt.HasTail && p.Attempt.Cap <= 0 {
		return false
	}
	if p.Retry.HasTail && p.Retry.Cap <= 0 {
		return false
	}
	return true
}

// Default is the module default pattern from spec §6: "/500,1000,1500,2000,2500///".
func Default() Pattern {
	p, err := Parse("/500,1000,1500,2000,2500///")
	if err != nil {
		panic("backoff: default pattern failed to parse: " + err.Error())
	}
	return p
}

// Parse parses the compact textual form:
//
//	/a1,a2,...,*m:cap/t1,t2,...,*m:cap/N/
//
// Both the attempt segment and retry segment are independent and may be
// empty. A trailing "*m:cap" clause (either or both of m/cap may be
// omitted, e.g. "*2" or "*2:5000" or "*:5000") extends the segment
// geometrically once its enumerated values are exhausted. maxAttempts (N)
// is optional; 0/absent means unbounded.
//
// '/' is the canonical field separator (spec §9 Open Question); '\n' is
// tolerated in place of '/' and treated exactly like it.
func Parse(text string) (Pattern, error) {
	fields := strings.Split(strings.ReplaceAll(strings.TrimSpace(text), "\n", "/"), "/")
	// "/a/b/N/" splits into ["", a, b, N, ""] — drop the leading/trailing empties.
	if len(fields) > 0 && fields[0] == "" {
		fields = fields[1:]
	}
	if len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) < 2 || len(fields) > 3 {
		return Pattern{}, fmt.Errorf("backoff: malformed pattern %q: expected /attempts/retries/[maxAttempts]/", text)
	}

	attempt, err := parseSegment(fields[0])
	if err != nil {
		return Pattern{}, fmt.Errorf("backoff: attempt segment: %w", err)
	}
	retry, err := parseSegment(fields[1])
	if err != nil {
		return Pattern{}, fmt.Errorf("backoff: retry segment: %w", err)
	}

	var maxAttempts int
	if len(fields) == 3 && fields[2] != "" {
		maxAttempts, err = strconv.Atoi(fields[2])
		if err != nil {
			return Pattern{}, fmt.Errorf("backoff: maxAttempts %q: %w", fields[2], err)
		}
	}

	return Pattern{Attempt: attempt, Retry: retry, MaxAttempts: maxAttempts}, nil
}

func parseSegment(field string) (Segment, error) {
	if field == "" {
		return Segment{}, nil
	}
	parts := strings.Split(field, ",")
	var seg Segment
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*") {
			mult, cap, err := parseTail(p)
			if err != nil {
				return Segment{}, err
			}
			seg.HasTail = true
			seg.Multiplier = mult
			seg.Cap = cap
			continue
		}
		ms, err := strconv.Atoi(p)
		if err != nil {
			return Segment{}, fmt.Errorf("invalid duration value %q: %w", p, err)
		}
		seg.Values = append(seg.Values, time.Duration(ms)*time.Millisecond)
	}
	return seg, nil
}

// parseTail parses "*m:cap", "*m", "*:cap", or bare "*" (defaults m=1,
// cap=0/unbounded). Per spec §9 Open Question, implementations SHOULD
// reject m < 1 explicitly rather than silently producing a shrinking or
// inverted schedule.
func parseTail(tail string) (multiplier float64, cap time.Duration, err error) {
	tail = strings.TrimPrefix(tail, "*")
	multiplier = 1
	if tail == "" {
		return multiplier, 0, nil
	}
	segs := strings.SplitN(tail, ":", 2)
	if segs[0] != "" {
		multiplier, err = strconv.ParseFloat(segs[0], 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid multiplier %q: %w", segs[0], err)
		}
		if multiplier < 1 {
			return 0, 0, fmt.Errorf("multiplier %v < 1 is rejected: a shrinking or inverted back-off schedule is not a valid retry policy", multiplier)
		}
	}
	if len(segs) == 2 && segs[1] != "" {
		ms, err := strconv.Atoi(segs[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid cap %q: %w", segs[1], err)
		}
		cap = time.Duration(ms) * time.Millisecond
	}
	return multiplier, cap, nil
}

// Save renders the Pattern back to its canonical textual form, such that
// Parse(p.Save()) == p (spec §8 round-trip law).
func (p Pattern) Save() string {
	var b strings.Builder
	b.WriteString(saveSegment(p.Attempt))
	b.WriteByte('/')
	b.WriteString(saveSegment(p.Retry))
	b.WriteByte('/')
	if p.MaxAttempts > 0 {
		b.WriteString(strconv.Itoa(p.MaxAttempts))
	}
	return "/" + b.String()
}

func saveSegment(s Segment) string {
	parts := make([]string, 0, len(s.Values)+1)
	for _, v := range s.Values {
		parts = append(parts, strconv.FormatInt(v.Milliseconds(), 10))
	}
	if s.HasTail {
		tail := "*" + strconv.FormatFloat(s.Multiplier, 'g', -1, 64)
		if s.Cap > 0 {
			tail += ":" + strconv.FormatInt(s.Cap.Milliseconds(), 10)
		}
		parts = append(parts, tail)
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two patterns produce identical schedules, used by
// the JSON/builder-form equivalence invariant in spec §4.1.
func (p Pattern) Equal(other Pattern) bool {
	return segmentEqual(p.Attempt, other.Attempt) &&
		segmentEqual(p.Retry, other.Retry) &&
		p.MaxAttempts == other.MaxAttempts
}

func segmentEqual(a, b Segment) bool {
	if len(a.Values) != len(b.Values) || a.HasTail != b.HasTail {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	if a.HasTail {
		return a.Multiplier == b.Multiplier && a.Cap == b.Cap
	}
	return true
}

// Builder constructs a Pattern programmatically, the equivalent of the
// JSON/builder form the spec requires to be schedule-identical to the
// textual grammar.
type Builder struct {
	p Pattern
}

// NewBuilder starts a new Pattern builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) AttemptTimeouts(ms ...int) *Builder {
	for _, v := range ms {
		b.p.Attempt.Values = append(b.p.Attempt.Values, time.Duration(v)*time.Millisecond)
	}
	return b
}

func (b *Builder) AttemptTail(multiplier float64, capMs int) *Builder {
	b.p.Attempt.HasTail = true
	b.p.Attempt.Multiplier = multiplier
	b.p.Attempt.Cap = time.Duration(capMs) * time.Millisecond
	return b
}

func (b *Builder) RetryAfter(ms ...int) *Builder {
	for _, v := range ms {
		b.p.Retry.Values = append(b.p.Retry.Values, time.Duration(v)*time.Millisecond)
	}
	return b
}

func (b *Builder) RetryTail(multiplier float64, capMs int) *Builder {
	b.p.Retry.HasTail = true
	b.p.Retry.Multiplier = multiplier
	b.p.Retry.Cap = time.Duration(capMs) * time.Millisecond
	return b
}

func (b *Builder) MaxAttempts(n int) *Builder {
	b.p.MaxAttempts = n
	return b
}

func (b *Builder) Build() Pattern {
	return b.p
}
