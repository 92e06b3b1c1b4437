// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the decoded body of a queued task. Besides "service"
// and "run_script", keys are job-specific and passed through
// untouched.
type Payload map[string]interface{}

var errNotObject = errors.New("payload is not a JSON object")

// DecodePayload parses and validates a task body.
func DecodePayload(buf []byte) (Payload, error) {
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 || buf[0] != '{' {
		return nil, errNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return p, nil
}

// Check returns an error if the required keys are missing or not
// strings.
func (p Payload) Check() error {
	for _, key := range []string{"service", "run_script"} {
		s, ok := p[key].(string)
		if !ok || s == "" {
			return fmt.Errorf("payload has no %q string", key)
		}
	}
	return nil
}

func (p Payload) Service() string {
	s, _ := p["service"].(string)
	return s
}

func (p Payload) RunScript() string {
	s, _ := p["run_script"].(string)
	return s
}

// Encode returns the JSON encoding of p.
func (p Payload) Encode() ([]byte, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
