// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import "fmt"

// ActionType identifies an ACK action.
type ActionType uint8

const (
	ActionSetVar   ActionType = 1
	ActionUnsetVar ActionType = 2
)

// Scope selects which variable namespace an action targets.
type Scope uint8

const (
	ScopeProc Scope = 0
	ScopeSess Scope = 1
	ScopeTxn  Scope = 2
	ScopeReq  Scope = 3
	ScopeRes  Scope = 4
)

// Action is one decoded ACK action: a SET_VAR (carries a value) or an
// UNSET_VAR (does not).
type Action struct {
	Type  ActionType
	Scope Scope
	Name  string
	Value Value // zero Value for UNSET_VAR
}

// AppendAction appends the wire encoding of one action to buf:
// <action-type:1B><nb-args:1B><scope:1B><name-string>[<data>].
func AppendAction(buf []byte, a Action) []byte {
	switch a.Type {
	case ActionSetVar:
		buf = append(buf, byte(ActionSetVar), 3, byte(a.Scope))
		buf = appendLenPrefixed(buf, []byte(a.Name))
		return AppendValue(buf, a.Value)
	case ActionUnsetVar:
		buf = append(buf, byte(ActionUnsetVar), 2, byte(a.Scope))
		return appendLenPrefixed(buf, []byte(a.Name))
	default:
		return buf
	}
}

// DecodeAction decodes one action from the head of data.
func DecodeAction(data []byte) (Action, int, error) {
	if len(data) < 2 {
		return Action{}, 0, ErrTruncated
	}
	actType := ActionType(data[0])
	nbArgs := int(data[1])
	n := 2

	switch actType {
	case ActionSetVar:
		if nbArgs != 3 {
			return Action{}, 0, fmt.Errorf("%w: SET_VAR expects 3 args, got %d", ErrInvalid, nbArgs)
		}
		if n >= len(data) {
			return Action{}, 0, ErrTruncated
		}
		scope := Scope(data[n])
		n++
		name, m, err := decodeLenPrefixed(data[n:])
		if err != nil {
			return Action{}, 0, fmt.Errorf("decoding SET_VAR name: %w", err)
		}
		n += m
		val, m, err := DecodeValue(data[n:])
		if err != nil {
			return Action{}, 0, fmt.Errorf("decoding SET_VAR value: %w", err)
		}
		n += m
		return Action{Type: ActionSetVar, Scope: scope, Name: string(name), Value: val}, n, nil
	case ActionUnsetVar:
		if nbArgs != 2 {
			return Action{}, 0, fmt.Errorf("%w: UNSET_VAR expects 2 args, got %d", ErrInvalid, nbArgs)
		}
		if n >= len(data) {
			return Action{}, 0, ErrTruncated
		}
		scope := Scope(data[n])
		n++
		name, m, err := decodeLenPrefixed(data[n:])
		if err != nil {
			return Action{}, 0, fmt.Errorf("decoding UNSET_VAR name: %w", err)
		}
		n += m
		return Action{Type: ActionUnsetVar, Scope: scope, Name: string(name)}, n, nil
	default:
		return Action{}, 0, fmt.Errorf("%w: unknown action type %d", ErrInvalid, actType)
	}
}

// DecodeActions decodes a flat run of actions until data is exhausted, as
// carried in an ACK frame's payload.
func DecodeActions(data []byte) ([]Action, error) {
	var actions []Action
	for len(data) > 0 {
		a, n, err := DecodeAction(data)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
		data = data[n:]
	}
	return actions, nil
}
