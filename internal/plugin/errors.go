package plugin

import (
	"errors"
	"fmt"
)

// ErrContract is matched by every *ContractError.
var ErrContract = errors.New("plugin contract violation")

// ContractError reports a broken invariant: malformed configuration, a call
// out of lifecycle order, or shapes that contradict an earlier phase. It is
// raised with panic, never returned.
type ContractError struct {
	Plugin string
	Msg    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Plugin, ErrContract, e.Msg)
}

func (e *ContractError) Unwrap() error {
	return ErrContract
}

// Recover converts a recovered *ContractError into an error and re-panics
// anything else. Use it in a deferred call at a host boundary:
//
//	defer plugin.Recover(&err)
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	ce, ok := r.(*ContractError)
	if !ok {
		panic(r)
	}
	*err = ce
}
