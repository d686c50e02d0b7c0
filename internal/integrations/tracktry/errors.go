package tracktry

import (
	"fmt"

	"github.com/BearBump/TrackTry/internal/models"
	"github.com/pkg/errors"
)

// TransportError: HTTP-ответа не получили (timeout, DNS, connection refused).
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tracktry %s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tracktry %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError: неуспешный HTTP-статус вместе с meta от Tracktry.
type RemoteError struct {
	Op         string
	StatusCode int
	Meta       models.Meta
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tracktry %s: http %d: code %d - %s", e.Op, e.StatusCode, e.Meta.Code, e.Meta.Message)
}

// ParseError: тело не похоже на {data, meta}.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tracktry %s: parse: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// AsRemote достаёт RemoteError из цепочки err.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
