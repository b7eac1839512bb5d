package models

import (
	"reflect"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

/**
convenience function to perform a mapstructure decode using the customised decode hook below.
Input is weakly typed, so the string-only job parameters map can fill numeric and boolean fields.
*/
func CustomisedMapStructureDecode(incoming interface{}, outgoing interface{}) error {
	decoder, setupErr := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructureDecodeHook,
		WeaklyTypedInput: true,
		Result:           outgoing,
	})
	if setupErr != nil {
		return setupErr
	}
	return decoder.Decode(incoming)
}

/**
this custom decode hook will perform a few extra conversions from strings:
- to uuid, parsing it and sending the error back up the chain if it can't
- to time, parsed as an RFC 3339 timestamp
- to duration, parsed with time.ParseDuration (e.g. "30s")
- to a string slice, split like a shell would split it (quotes group words)
*/
func mapstructureDecodeHook(inType reflect.Type, outType reflect.Type, value interface{}) (interface{}, error) {
	if inType != reflect.TypeOf("") {
		return value, nil
	}
	switch outType {
	case reflect.TypeOf(uuid.UUID{}):
		return uuid.Parse(value.(string))
	case reflect.TypeOf(time.Time{}):
		return time.Parse(time.RFC3339, value.(string))
	case reflect.TypeOf(time.Duration(0)):
		return time.ParseDuration(value.(string))
	case reflect.TypeOf([]string{}):
		return shlex.Split(value.(string))
	default:
		return value, nil
	}
}
