package log

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"
)

type kinded interface {
	KindName() string
}

// secretKeys are redacted wherever they appear in a record payload, including inside
// JSON response bodies captured as strings.
var secretKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"id_token":      {},
	"device_code":   {},
	"code":          {},
	"code_verifier": {},
	"Token":         {},
	"identityToken": {},
}

// Flaw expands err into the event. Errors carrying a kind get it logged as error_kind,
// and any *flaw.Flaw found in the chain has its records and stack traces attached.
func Flaw(err error) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if k := kinded(nil); errors.As(err, &k) {
			e.Str("error_kind", k.KindName())
		}
		flawErr := new(flaw.Flaw)
		if !errors.As(err, &flawErr) {
			e.Err(err)
			return
		}
		e.Dict("error", errorDict(flawErr.Inner, flawErr.InnerType, flawErr.InnerSyntaxRepr))
		e.Array("records", records(flawErr.Records))
		e.Array("joined_errors", joinedErrors(flawErr.JoinedErrors))
		e.Array("stack_traces", stackTraces(flawErr.StackTrace))
	}
}

func errorDict(message, typeName, syntaxRepr string) *zerolog.Event {
	return zerolog.
		Dict().
		Str("message", message).
		Str("type_name", typeName).
		Str("syntax_representation", syntaxRepr)
}

func location(file string, line int) string {
	return fmt.Sprintf("%s:%d", file, line)
}

func records(in []flaw.Record) *zerolog.Array {
	out := zerolog.Arr()
	for _, v := range in {
		payload := redactPayload(map[string]any(v.Payload))
		b, err := json.MarshalWithOption(payload, json.UnorderedMap(), json.DisableNormalizeUTF8(), json.DisableHTMLEscape())
		if nil != err {
			out.Dict(zerolog.Dict().Str("function", v.Function).Dict("payload", zerolog.Dict().Str("error", err.Error()).Str("raw", fmt.Sprintf("%#+v", payload))))
			continue
		}
		out.Dict(zerolog.Dict().Str("function", v.Function).RawJSON("payload", b))
	}
	return out
}

func joinedErrors(in []flaw.JoinedError) *zerolog.Array {
	out := zerolog.Arr()
	for _, v := range in {
		d := zerolog.Dict().Dict("error", errorDict(v.Message, v.TypeName, v.SyntaxRepr))
		if st := v.CallerStackTrace; nil != st {
			d.Dict("caller_stack_trace", zerolog.Dict().Str("location", location(st.File, st.Line)).Str("function", st.Function))
		} else {
			d.Stringer("caller_stack_trace", nil)
		}
		out.Dict(d)
	}
	return out
}

func stackTraces(in []flaw.StackTrace) *zerolog.Array {
	out := zerolog.Arr()
	for _, v := range in {
		out.Dict(zerolog.Dict().Str("location", location(v.File, v.Line)).Str("function", v.Function))
	}
	return out
}

// redactPayload returns a copy of v with secret values masked. Strings holding a JSON
// object, such as captured response bodies, are decoded and masked too.
func redactPayload(v any) any {
	switch x := v.(type) {
	case flaw.P:
		return redactPayload(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if s, ok := val.(string); ok {
				if _, secret := secretKeys[k]; secret {
					out[k] = RedactString(s)
					continue
				}
			}
			out[k] = redactPayload(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = redactPayload(val)
		}
		return out
	case string:
		if !gjson.Valid(x) || !gjson.Parse(x).IsObject() {
			return x
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(x), &decoded); nil != err {
			return x
		}
		b, err := json.Marshal(redactPayload(decoded))
		if nil != err {
			return x
		}
		return string(b)
	default:
		return v
	}
}
