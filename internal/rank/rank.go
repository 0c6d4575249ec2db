// Package rank encodes item positions as strings whose byte order is the
// order of the items.
//
// A rank is a fraction 0.d1d2...dn written in a fixed radix alphabet, most
// significant digit first. Canonical text never ends in the zero digit and
// is never empty, so comparing two ranks as strings compares their values.
// Inserting between two ranks never touches any other rank; the price is
// that ranks grow by a digit when a gap is split repeatedly, which is why
// the codec caps the length and callers rebalance when a gap runs out.
package rank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// DefaultAlphabet is base 36: digits, then lowercase letters.
const DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// DefaultMaxLength bounds how long a rank may grow before a container has
// to be rebalanced.
const DefaultMaxLength = 16

var (
	// ErrMalformed reports text that is not a canonical rank.
	ErrMalformed = errors.New("malformed rank")
	// ErrExhausted reports that no rank fits the request within the length
	// limit. Allocators recover from it by rebalancing.
	ErrExhausted = errors.New("rank space exhausted")
	// ErrNotOrdered reports a Midpoint call whose bounds are not ascending.
	ErrNotOrdered = errors.New("ranks are not in ascending order")
)

// Rank is the canonical text of a position. The zero value is not a valid
// rank.
type Rank string

func (r Rank) String() string {
	return string(r)
}

// Compare returns -1, 0 or +1 as r sorts before, equal to or after other.
func (r Rank) Compare(other Rank) int {
	return strings.Compare(string(r), string(other))
}

// Less reports whether r sorts strictly before other.
func (r Rank) Less(other Rank) bool {
	return r < other
}

// Codec performs rank arithmetic for one alphabet and length limit. A Codec
// is immutable and safe for concurrent use.
type Codec struct {
	alphabet  string
	index     [256]int
	maxLength int
}

// New returns a codec for alphabet, which must hold at least two distinct
// bytes in strictly ascending order.
func New(alphabet string, maxLength int) (*Codec, error) {
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("alphabet needs at least two digits")
	}
	if maxLength < 1 {
		return nil, fmt.Errorf("max length must be positive, got %d", maxLength)
	}
	c := &Codec{alphabet: alphabet, maxLength: maxLength}
	for i := range c.index {
		c.index[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		if i > 0 && alphabet[i] <= alphabet[i-1] {
			return nil, fmt.Errorf("alphabet must be strictly ascending at %q", alphabet[i])
		}
		c.index[alphabet[i]] = i
	}
	return c, nil
}

// MustNew is New for alphabets known to be valid at compile time.
func MustNew(alphabet string, maxLength int) *Codec {
	c, err := New(alphabet, maxLength)
	if err != nil {
		panic(err)
	}
	return c
}

// Default is the base-36 codec with DefaultMaxLength.
var Default = MustNew(DefaultAlphabet, DefaultMaxLength)

// Radix is the number of digits in the alphabet.
func (c *Codec) Radix() int {
	return len(c.alphabet)
}

// MaxLength is the longest rank the codec produces or accepts.
func (c *Codec) MaxLength() int {
	return c.maxLength
}

// Parse validates text and returns it as a Rank.
func (c *Codec) Parse(text string) (Rank, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(text) > c.maxLength {
		return "", fmt.Errorf("%w: %q is longer than %d", ErrMalformed, text, c.maxLength)
	}
	for i := 0; i < len(text); i++ {
		if c.index[text[i]] < 0 {
			return "", fmt.Errorf("%w: %q has %q outside the alphabet", ErrMalformed, text, text[i])
		}
	}
	if text[len(text)-1] == c.alphabet[0] {
		return "", fmt.Errorf("%w: %q has trailing zero padding", ErrMalformed, text)
	}
	return Rank(text), nil
}

// Initial is the rank given to the first item of an empty container: the
// middle digit, leaving equal room on both sides.
func (c *Codec) Initial() Rank {
	return Rank(c.alphabet[c.Radix()/2 : c.Radix()/2+1])
}

// Successor returns the smallest rank greater than r at r's own precision.
// When every digit of r is already the largest one, r is extended by the
// middle digit instead.
func (c *Codec) Successor(r Rank) (Rank, error) {
	digits, err := c.digits(r)
	if err != nil {
		return "", err
	}
	top := c.Radix() - 1
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < top {
			digits[i]++
			return c.encode(digits[:i+1])
		}
	}
	return c.encode(append(digits, c.Radix()/2))
}

// Predecessor returns the largest rank less than r at r's own precision.
// When that would be zero, which is not a rank, the last digit is split
// into a zero and the largest digit instead.
func (c *Codec) Predecessor(r Rank) (Rank, error) {
	digits, err := c.digits(r)
	if err != nil {
		return "", err
	}
	last := len(digits) - 1
	if digits[last] > 1 {
		digits[last]--
		return c.encode(digits)
	}
	if trimmed := trimZeros(digits[:last]); len(trimmed) > 0 {
		return c.encode(trimmed)
	}
	digits[last] = 0
	return c.encode(append(digits, c.Radix()-1))
}

// Midpoint returns a rank strictly between a and b, preferring the shortest
// one. It fails with ErrExhausted when every such rank is longer than the
// codec allows.
func (c *Codec) Midpoint(a, b Rank) (Rank, error) {
	if a >= b {
		return "", fmt.Errorf("%w: %q >= %q", ErrNotOrdered, a, b)
	}
	lo, err := c.digits(a)
	if err != nil {
		return "", err
	}
	hi, err := c.digits(b)
	if err != nil {
		return "", err
	}
	mid := c.midpoint(lo, hi, true)
	if len(mid) > c.maxLength {
		return "", fmt.Errorf("%w: no room between %q and %q", ErrExhausted, a, b)
	}
	return c.encode(mid)
}

// midpoint works on digit slices. When bounded is false, hi stands for the
// fraction 1 and is ignored.
func (c *Codec) midpoint(lo, hi []int, bounded bool) []int {
	if bounded {
		n := 0
		for n < len(hi) && digitAt(lo, n) == hi[n] {
			n++
		}
		if n > 0 {
			prefix := append([]int(nil), hi[:n]...)
			return append(prefix, c.midpoint(tail(lo, n), hi[n:], true)...)
		}
	}

	dLo := digitAt(lo, 0)
	dHi := c.Radix()
	if bounded {
		dHi = hi[0]
	}
	if dHi-dLo > 1 {
		return []int{(dLo + dHi) / 2}
	}
	if bounded && len(hi) > 1 {
		return []int{dHi}
	}
	return append([]int{dLo}, c.midpoint(tail(lo, 1), nil, false)...)
}

// Spread returns n ascending ranks spaced evenly over the whole range. The
// width is the smallest that leaves at least a full radix of room in every
// gap, so later insertions between neighbours succeed without growing.
func (c *Codec) Spread(n int) ([]Rank, error) {
	if n <= 0 {
		return nil, nil
	}
	radix := big.NewInt(int64(c.Radix()))
	need := new(big.Int).Mul(big.NewInt(int64(n)+1), radix)
	space := new(big.Int).Set(radix)
	width := 1
	for space.Cmp(need) < 0 {
		space.Mul(space, radix)
		width++
	}
	if width > c.maxLength {
		return nil, fmt.Errorf("%w: %d items need %d digits", ErrExhausted, n, width)
	}
	step := new(big.Int).Div(space, big.NewInt(int64(n)+1))

	ranks := make([]Rank, 0, n)
	value := new(big.Int)
	rem := new(big.Int)
	for i := 1; i <= n; i++ {
		value.Mul(step, big.NewInt(int64(i)))
		digits := make([]int, width)
		for pos := width - 1; pos >= 0; pos-- {
			value.DivMod(value, radix, rem)
			digits[pos] = int(rem.Int64())
		}
		r, err := c.encode(trimZeros(digits))
		if err != nil {
			return nil, err
		}
		ranks = append(ranks, r)
	}
	return ranks, nil
}

func (c *Codec) digits(r Rank) ([]int, error) {
	if _, err := c.Parse(string(r)); err != nil {
		return nil, err
	}
	out := make([]int, len(r))
	for i := 0; i < len(r); i++ {
		out[i] = c.index[r[i]]
	}
	return out, nil
}

func (c *Codec) encode(digits []int) (Rank, error) {
	if len(digits) > c.maxLength {
		return "", fmt.Errorf("%w: rank would need %d digits", ErrExhausted, len(digits))
	}
	var b strings.Builder
	b.Grow(len(digits))
	for _, d := range digits {
		b.WriteByte(c.alphabet[d])
	}
	return Rank(b.String()), nil
}

func digitAt(digits []int, i int) int {
	if i < len(digits) {
		return digits[i]
	}
	return 0
}

func tail(digits []int, n int) []int {
	if n >= len(digits) {
		return nil
	}
	return digits[n:]
}

func trimZeros(digits []int) []int {
	end := len(digits)
	for end > 0 && digits[end-1] == 0 {
		end--
	}
	return digits[:end]
}
