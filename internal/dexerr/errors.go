// Package dexerr defines the error taxonomy shared by every engine component.
// Each failure carries a Kind (the taxonomy tag), a Code naming the specific
// condition, and, where it applies, the required and actual values.
package dexerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Kind is a taxonomy tag. A Kind is itself an error so it can be used as an
// errors.Is target.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindSlippage
	KindLiveness
	KindArithmetic
	KindReentrancy
	KindInsufficientBalance
)

var kindNames = map[Kind]string{
	KindUnknown:             "UnknownError",
	KindValidation:          "ValidationError",
	KindAuthorization:       "AuthorizationError",
	KindState:               "StateError",
	KindSlippage:            "SlippageError",
	KindLiveness:            "LivenessError",
	KindArithmetic:          "ArithmeticError",
	KindReentrancy:          "ReentrancyError",
	KindInsufficientBalance: "InsufficientBalanceError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Error() string { return k.String() }

// Sentinels for errors.Is.
var (
	ErrValidation          error = KindValidation
	ErrAuthorization       error = KindAuthorization
	ErrState               error = KindState
	ErrSlippage            error = KindSlippage
	ErrLiveness            error = KindLiveness
	ErrArithmetic          error = KindArithmetic
	ErrReentrancy          error = KindReentrancy
	ErrInsufficientBalance error = KindInsufficientBalance
)

// Code names a specific failure condition. Codes are errors too.
type Code string

const (
	InsufficientExternalTransfer Code = "InsufficientExternalTransfer"
	InsufficientBalance          Code = "InsufficientBalance"
	InsufficientAllowance        Code = "InsufficientAllowance"
	InsufficientCallbackPayment  Code = "InsufficientCallbackPayment"
	Unauthorized                 Code = "Unauthorized"
	FactoryUnauthorized          Code = "FactoryUnauthorized"
	AlreadyRegistered            Code = "AlreadyRegistered"
	PoolExists                   Code = "PoolExists"
	UnregisteredPool             Code = "UnregisteredPool"
	SlippageExceeded             Code = "SlippageExceeded"
	Expired                      Code = "Expired"
	ConvergenceError             Code = "ConvergenceError"
	Overflow                     Code = "Overflow"
	ReentrancyError              Code = "ReentrancyError"
	InvalidPayload               Code = "InvalidPayload"
	UnknownToken                 Code = "UnknownToken"
	InvalidPath                  Code = "InvalidPath"
	InvalidCallbackAck           Code = "InvalidCallbackAck"
	InvalidAmount                Code = "InvalidAmount"
	InvalidParameter             Code = "InvalidParameter"
)

var codeKinds = map[Code]Kind{
	InsufficientExternalTransfer: KindInsufficientBalance,
	InsufficientBalance:          KindInsufficientBalance,
	InsufficientAllowance:        KindInsufficientBalance,
	InsufficientCallbackPayment:  KindInsufficientBalance,
	Unauthorized:                 KindAuthorization,
	FactoryUnauthorized:          KindAuthorization,
	AlreadyRegistered:            KindState,
	PoolExists:                   KindState,
	UnregisteredPool:             KindState,
	SlippageExceeded:             KindSlippage,
	Expired:                      KindLiveness,
	ConvergenceError:             KindArithmetic,
	Overflow:                     KindArithmetic,
	ReentrancyError:              KindReentrancy,
	InvalidPayload:               KindValidation,
	UnknownToken:                 KindValidation,
	InvalidPath:                  KindValidation,
	InvalidCallbackAck:           KindValidation,
	InvalidAmount:                KindValidation,
	InvalidParameter:             KindValidation,
}

// Kind returns the taxonomy tag a code belongs to.
func (c Code) Kind() Kind {
	return codeKinds[c]
}

func (c Code) Error() string { return string(c) }

// Error is the concrete error returned by engine operations.
type Error struct {
	Kind     Kind
	Code     Code
	Op       string
	Required *uint256.Int
	Actual   *uint256.Int
	Detail   string
	Err      error
}

// New returns an error for code raised by op.
func New(code Code, op string) *Error {
	return &Error{Kind: code.Kind(), Code: code, Op: op}
}

// Newf returns an error for code with a formatted detail message.
func Newf(code Code, op string, format string, args ...any) *Error {
	e := New(code, op)
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Values returns an error for code carrying the required and actual amounts.
func Values(code Code, op string, required, actual *uint256.Int) *Error {
	e := New(code, op)
	e.Required = clone(required)
	e.Actual = clone(actual)
	return e
}

// Wrap returns an error for code caused by err.
func Wrap(code Code, op string, err error) *Error {
	e := New(code, op)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString("(")
	b.WriteString(string(e.Code))
	b.WriteString(")")
	if e.Required != nil || e.Actual != nil {
		fmt.Fprintf(&b, " required=%s actual=%s", dec(e.Required), dec(e.Actual))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind or a Code target.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case Code:
		return e.Code == t
	}
	return false
}

// KindOf returns the taxonomy tag of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of err, or the empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "-"
	}
	return v.Dec()
}
