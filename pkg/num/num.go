// Package num carries the engine's arbitrary-precision integers across the
// JSON boundary. Quantities, prices, secrets and nonces are integral
// (fixed-point stroops or field elements) and must never travel through
// float64, so the wire form is always a decimal string.
package num

import (
	"fmt"
	"math/big"
)

// Big is a JSON-safe wrapper around *big.Int. The zero value marshals as "0".
type Big struct {
	v *big.Int
}

// New wraps an existing big.Int. The value is copied.
func New(v *big.Int) Big {
	if v == nil {
		return Big{}
	}
	return Big{v: new(big.Int).Set(v)}
}

// FromInt64 builds a Big from a machine integer.
func FromInt64(n int64) Big {
	return Big{v: big.NewInt(n)}
}

// Parse reads a decimal string (optional leading '-'). Scientific notation,
// fractions and empty strings are rejected.
func Parse(s string) (Big, error) {
	v, err := ParseBig(s)
	if err != nil {
		return Big{}, err
	}
	return Big{v: v}, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Big {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Int returns the underlying value as a fresh *big.Int (never nil).
func (b Big) Int() *big.Int {
	if b.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.v)
}

func (b Big) String() string {
	if b.v == nil {
		return "0"
	}
	return b.v.String()
}

// Sign reports -1, 0 or +1.
func (b Big) Sign() int {
	if b.v == nil {
		return 0
	}
	return b.v.Sign()
}

// Cmp compares b against o.
func (b Big) Cmp(o Big) int {
	return b.Int().Cmp(o.Int())
}

// IsZero reports whether the value is unset or exactly zero.
func (b Big) IsZero() bool {
	return b.v == nil || b.v.Sign() == 0
}

// MarshalJSON renders the value as a quoted decimal string.
func (b Big) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts both `"123"` and the bare token `123`. The bare form
// is parsed digit-by-digit and never routed through float64, so integers
// beyond 2^53 survive intact.
func (b *Big) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		b.v = nil
		return nil
	}
	v, err := ParseBig(s)
	if err != nil {
		return err
	}
	b.v = v
	return nil
}

// ParseBig parses a decimal integer string into a *big.Int.
func ParseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty decimal string")
	}
	digits := s
	if digits[0] == '-' {
		digits = digits[1:]
		if digits == "" {
			return nil, fmt.Errorf("invalid decimal string %q", s)
		}
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return nil, fmt.Errorf("invalid decimal string %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string %q", s)
	}
	return v, nil
}

// FormatBig renders v as a decimal string; nil renders as "0".
func FormatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
