// Package ocerr defines the error taxonomy shared by the tag codec, the
// signature codec, the store reader, the registry adapter, the pusher and
// the gateway. Every distinguishable failure mode gets one Kind; the HTTP
// status is derived from the Kind alone.
package ocerr

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind discriminates error dispositions. Names match the kinds called out
// in the component design, not the underlying Go error strings.
type Kind int

const (
	Unknown Kind = iota
	DecodeFailure
	FromUTF8
	InvalidTag
	TagToKey
	InvalidAuthorization
	ReferenceNotFound
	InvalidLayerCount
	InvalidLayerMediaType
	NoLayerAnnotations
	NoLayerAnnotationKey
	InvalidStorePath
	NoPathInfo
	DuplicatedPathInfo
	InvalidSignature
	SignatureMismatch
	InvalidSigningKey
	InvalidSigningKeyEnv
	InvalidMaxRetry
	NarSizeNotMatch
	RetryAllFails
	EarlyStop
	Infrastructure
	PushFailed
)

func (k Kind) String() string {
	switch k {
	case DecodeFailure:
		return "DecodeFailure"
	case FromUTF8:
		return "FromUTF8"
	case InvalidTag:
		return "InvalidTag"
	case TagToKey:
		return "TagToKey"
	case InvalidAuthorization:
		return "InvalidAuthorization"
	case ReferenceNotFound:
		return "ReferenceNotFound"
	case InvalidLayerCount:
		return "InvalidLayerCount"
	case InvalidLayerMediaType:
		return "InvalidLayerMediaType"
	case NoLayerAnnotations:
		return "NoLayerAnnotations"
	case NoLayerAnnotationKey:
		return "NoLayerAnnotationKey"
	case InvalidStorePath:
		return "InvalidStorePath"
	case NoPathInfo:
		return "NoPathInfo"
	case DuplicatedPathInfo:
		return "DuplicatedPathInfo"
	case InvalidSignature:
		return "InvalidSignature"
	case SignatureMismatch:
		return "SignatureMismatch"
	case InvalidSigningKey:
		return "InvalidSigningKey"
	case InvalidSigningKeyEnv:
		return "InvalidSigningKeyEnv"
	case InvalidMaxRetry:
		return "InvalidMaxRetry"
	case NarSizeNotMatch:
		return "NarSizeNotMatch"
	case RetryAllFails:
		return "RetryAllFails"
	case EarlyStop:
		return "EarlyStop"
	case Infrastructure:
		return "Infrastructure"
	case PushFailed:
		return "PushFailed"
	default:
		return "Unknown"
	}
}

// Error is the single error type used across the module. Sub holds
// per-attempt causes for aggregate kinds (TagToKey, RetryAllFails).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
	Sub  []error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Aggregate(kind Kind, msg string, sub []error) *Error {
	return &Error{Kind: kind, Msg: msg, Sub: sub}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, s := range e.Sub {
		fmt.Fprintf(&b, "; %v", s)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind, unwrapping plain wrapped
// errors along the way.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// StatusCode maps a Kind to its HTTP disposition, per the component design's
// error handling table.
func StatusCode(kind Kind) int {
	switch kind {
	case DecodeFailure, FromUTF8, InvalidTag, TagToKey, InvalidAuthorization,
		InvalidLayerCount, InvalidLayerMediaType, NoLayerAnnotations, NoLayerAnnotationKey,
		InvalidStorePath, InvalidSignature, InvalidSigningKey, InvalidSigningKeyEnv,
		InvalidMaxRetry:
		return http.StatusBadRequest
	case ReferenceNotFound:
		return http.StatusNotFound
	case NoPathInfo, DuplicatedPathInfo, SignatureMismatch:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NoSuchKeyBody is the exact S3-compatible not-found body required by
// clients that parse XML error responses.
const NoSuchKeyBody = "<Error><Code>NoSuchKey</Code></Error>"

// Body returns the HTTP response body for the error: NoSuchKeyBody for
// ReferenceNotFound, the status code's reason text for server errors, and
// the error's human-readable message for client errors.
func Body(err *Error) string {
	if err.Kind == ReferenceNotFound {
		return NoSuchKeyBody
	}
	if code := StatusCode(err.Kind); code >= http.StatusInternalServerError {
		return http.StatusText(code)
	}
	return err.Error()
}
