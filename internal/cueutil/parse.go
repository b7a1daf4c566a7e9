// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Decode compiles data, unifies it with the definition at schemaPath in
// schema, validates and decodes the result into T.
func Decode[T any](schema, data []byte, schemaPath string, opts ...Option) (*T, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	filename := options.filename
	if filename == "" {
		filename = "<input>"
	}

	if err := CheckFileSize(data, options.maxFileSize, filename); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	root, err := lookupSchema(ctx, schema, schemaPath)
	if err != nil {
		return nil, err
	}

	userValue := ctx.CompileBytes(data, cue.Filename(filename))
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), filename)
	}

	return unifyAndDecode[T](root, userValue, filename, options.concrete)
}

// DecodeValue validates an already-decoded Go value (for example a map read
// from TOML) against the definition at schemaPath and decodes it into T.
func DecodeValue[T any](schema []byte, v any, schemaPath string, opts ...Option) (*T, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	filename := options.filename
	if filename == "" {
		filename = "<input>"
	}

	ctx := cuecontext.New()
	root, err := lookupSchema(ctx, schema, schemaPath)
	if err != nil {
		return nil, err
	}

	userValue := ctx.Encode(v)
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), filename)
	}

	return unifyAndDecode[T](root, userValue, filename, options.concrete)
}

func lookupSchema(ctx *cue.Context, schema []byte, schemaPath string) (cue.Value, error) {
	schemaValue := ctx.CompileBytes(schema)
	if schemaValue.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}
	root := schemaValue.LookupPath(cue.ParsePath(schemaPath))
	if root.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema definition %s not found: %w", schemaPath, root.Err())
	}
	return root, nil
}

func unifyAndDecode[T any](root, userValue cue.Value, filename string, concrete bool) (*T, error) {
	unified := root.Unify(userValue)
	if err := unified.Validate(cue.Concrete(concrete)); err != nil {
		return nil, FormatError(err, filename)
	}

	var result T
	if err := unified.Decode(&result); err != nil {
		return nil, FormatError(err, filename)
	}
	return &result, nil
}
