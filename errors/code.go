package errors

import "fmt"

// Code is a five-character condition code packed into an integer, six
// bits per character with the first character in the lowest bits. Valid
// characters occupy the contiguous range from '0' to '0'+63, which
// covers digits, uppercase letters, and lowercase letters through 'o'.
// The zero value unpacks to "00000", the success code.
type Code int32

const (
	codeLen   = 5
	sixBit    = 0x3F
	codeFirst = '0'
	codeLast  = '0' + sixBit
)

// MakeCode packs a five-character condition code. It rejects strings of
// the wrong length or with characters outside the packable range.
func MakeCode(s string) (Code, error) {
	if len(s) != codeLen {
		return 0, InvalidInput(PhaseBridge, fmt.Sprintf("condition code %q must be %d characters", s, codeLen))
	}
	var c Code
	for i := 0; i < codeLen; i++ {
		ch := s[i]
		if ch < codeFirst || ch > codeLast {
			return 0, InvalidInput(PhaseBridge, fmt.Sprintf("condition code %q has character %q outside %q..%q", s, ch, byte(codeFirst), byte(codeLast)))
		}
		c |= Code(ch-codeFirst) << (6 * i)
	}
	return c, nil
}

// MustCode packs a condition code and panics if it is malformed. For
// use in variable initializers with known-good literals.
func MustCode(s string) Code {
	c, err := MakeCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String unpacks the code back into its five-character form
func (c Code) String() string {
	var buf [codeLen]byte
	v := int32(c)
	for i := 0; i < codeLen; i++ {
		buf[i] = byte(v&sixBit) + codeFirst
		v >>= 6
	}
	return string(buf[:])
}

// Class returns the two-character category prefix of the code
func (c Code) Class() string {
	return c.String()[:2]
}

// IsSuccess reports whether the code is the all-zeros success code
func (c Code) IsSuccess() bool {
	return c == CodeSuccess
}

// Condition codes raised by the bridge itself. Host engines supply
// their own codes on failures they originate.
var (
	CodeSuccess           = MustCode("00000")
	CodeExternalException = MustCode("38000") // unhandled managed failure
	CodeSavepointInvalid  = MustCode("3B001") // scope misuse detected on unwind
	CodeInternal          = MustCode("XX000") // bridge fault
)
