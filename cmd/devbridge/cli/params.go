// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagBinder is implemented by parameter groups that register their own
// flags. [BindFlags] calls AddFlags instead of reading struct tags.
type FlagBinder interface {
	AddFlags(flagSet *pflag.FlagSet)
}

// FlagsFromParams returns a flag set bound to the tagged fields of
// params, which must be a pointer to a struct. It panics on a malformed
// params type.
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli.FlagsFromParams(%q): %v", name, err))
	}
	return flagSet
}

// BindFlags registers a flag for every field of params carrying a
// flag:"name" or flag:"name,n" tag. desc:"..." is the help text and
// default:"..." the default, parsed for the field's type. Supported
// types are string, bool, int, uint, [time.Duration], []string, and
// map[string]string (as key=value pairs). Embedded structs are bound
// recursively unless they implement [FlagBinder].
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	return bindStructFields(value.Elem(), flagSet)
}

func bindStructFields(structValue reflect.Value, flagSet *pflag.FlagSet) error {
	structType := structValue.Type()
	for i := range structType.NumField() {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		if field.Type.Kind() == reflect.Struct && field.IsExported() && fieldValue.CanAddr() {
			if binder, ok := fieldValue.Addr().Interface().(FlagBinder); ok {
				binder.AddFlags(flagSet)
				continue
			}
		}
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := bindStructFields(fieldValue, flagSet); err != nil {
				return fmt.Errorf("embedded %s: %w", field.Name, err)
			}
			continue
		}

		tag := field.Tag.Get("flag")
		if tag == "" {
			continue
		}
		name, shorthand, _ := strings.Cut(tag, ",")
		if err := bindField(fieldValue, flagSet, name, shorthand, field.Tag.Get("desc"), field.Tag.Get("default")); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return nil
}

func bindField(fieldValue reflect.Value, flagSet *pflag.FlagSet, name, shorthand, description, fallback string) error {
	switch target := fieldValue.Addr().Interface().(type) {
	case *string:
		flagSet.StringVarP(target, name, shorthand, fallback, description)

	case *bool:
		value, err := parseDefault(fallback, strconv.ParseBool)
		if err != nil {
			return fmt.Errorf("default for --%s: %w", name, err)
		}
		flagSet.BoolVarP(target, name, shorthand, value, description)

	case *int:
		value, err := parseDefault(fallback, strconv.Atoi)
		if err != nil {
			return fmt.Errorf("default for --%s: %w", name, err)
		}
		flagSet.IntVarP(target, name, shorthand, value, description)

	case *uint:
		value, err := parseDefault(fallback, func(s string) (uint, error) {
			parsed, err := strconv.ParseUint(s, 10, 0)
			return uint(parsed), err
		})
		if err != nil {
			return fmt.Errorf("default for --%s: %w", name, err)
		}
		flagSet.UintVarP(target, name, shorthand, value, description)

	case *time.Duration:
		value, err := parseDefault(fallback, time.ParseDuration)
		if err != nil {
			return fmt.Errorf("default for --%s: %w", name, err)
		}
		flagSet.DurationVarP(target, name, shorthand, value, description)

	case *[]string:
		var value []string
		if fallback != "" {
			value = strings.Split(fallback, ",")
		}
		flagSet.StringSliceVarP(target, name, shorthand, value, description)

	case *map[string]string:
		flagSet.StringToStringVarP(target, name, shorthand, nil, description)

	default:
		return fmt.Errorf("unsupported type %s for flag --%s", fieldValue.Type(), name)
	}
	return nil
}

func parseDefault[T any](s string, parse func(string) (T, error)) (T, error) {
	var zero T
	if s == "" {
		return zero, nil
	}
	return parse(s)
}
