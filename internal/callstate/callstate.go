// Package callstate carries the position of a conversation between
// webhooks. The state lives only in the callback address the provider
// echoes back, so it is parsed as untrusted input on every request.
package callstate

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// StartStep is the step index of the greeting, before question 0.
	StartStep = -1
	// MaxRetry is the highest retry count; a further empty answer ends the call.
	MaxRetry = 2
)

// Query parameter names of the callback address.
const (
	ParamStep   = "step"
	ParamRetry  = "retry"
	ParamScript = "script"
	ParamSig    = "sig"
)

// ErrBadSignature is returned when a signed codec sees a missing, expired or
// mismatching integrity tag.
var ErrBadSignature = errors.New("callback state signature invalid")

// stateTTL bounds how long a callback address is accepted.
const stateTTL = time.Hour

// State is the whole position of an in-progress conversation.
type State struct {
	Script string
	Step   int
	Retry  int
}

// Parse reads the state from callback query parameters. Values that do not
// parse become the start state; out-of-range values are clamped: retry into
// [0, MaxRetry] and step to at least StartStep. An upper step bound depends
// on the script and is checked by the caller.
func Parse(q url.Values) State {
	st := State{Script: q.Get(ParamScript), Step: StartStep}

	if v, err := strconv.Atoi(q.Get(ParamStep)); err == nil {
		st.Step = v
	}
	if v, err := strconv.Atoi(q.Get(ParamRetry)); err == nil {
		st.Retry = v
	}

	if st.Step < StartStep {
		st.Step = StartStep
	}
	if st.Retry < 0 {
		st.Retry = 0
	}
	if st.Retry > MaxRetry {
		st.Retry = MaxRetry
	}
	return st
}

// stateClaims binds a token to one exact state.
type stateClaims struct {
	Script string `json:"scr"`
	Step   int    `json:"stp"`
	Retry  int    `json:"rty"`
	jwt.RegisteredClaims
}

// Codec serializes state into callback query strings and reads it back.
// With a key it signs every address and rejects unsigned or altered ones.
type Codec struct {
	key []byte
	now func() time.Time
}

// NewCodec returns a codec. A nil key produces plain, unsigned addresses.
func NewCodec(key []byte) *Codec {
	return &Codec{key: key, now: time.Now}
}

// Signed reports whether the codec adds and checks integrity tags.
func (c *Codec) Signed() bool {
	return len(c.key) > 0
}

// Encode returns the query string for st, parameters in step, retry,
// script order, followed by the tag when signing is enabled.
func (c *Codec) Encode(st State) (string, error) {
	q := fmt.Sprintf("%s=%d&%s=%d&%s=%s",
		ParamStep, st.Step, ParamRetry, st.Retry, ParamScript, url.QueryEscape(st.Script))
	if !c.Signed() {
		return q, nil
	}

	now := c.now()
	claims := stateClaims{
		Script: st.Script,
		Step:   st.Step,
		Retry:  st.Retry,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
			Issuer:    "callscript",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing callback state: %w", err)
	}
	return q + "&" + ParamSig + "=" + url.QueryEscape(token), nil
}

// Decode parses the state from q and, when signing is enabled, checks that
// the tag is valid and names the same state.
func (c *Codec) Decode(q url.Values) (State, error) {
	st := Parse(q)
	if !c.Signed() {
		return st, nil
	}

	tokenString := q.Get(ParamSig)
	if tokenString == "" {
		return st, ErrBadSignature
	}

	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.key, nil
	})
	if err != nil {
		return st, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !token.Valid {
		return st, ErrBadSignature
	}
	if !claims.VerifyExpiresAt(c.now(), true) {
		return st, fmt.Errorf("%w: expired", ErrBadSignature)
	}

	if claims.Script != st.Script || claims.Step != st.Step || claims.Retry != st.Retry {
		return st, fmt.Errorf("%w: state does not match tag", ErrBadSignature)
	}
	return st, nil
}
