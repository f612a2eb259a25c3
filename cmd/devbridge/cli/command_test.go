// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func newTestTree(help *bytes.Buffer, ran *[]string) *Command {
	var params struct {
		Force bool   `flag:"force,f" desc:"overwrite"`
		Mode  string `flag:"mode" desc:"file mode" default:"0644"`
	}
	push := &Command{
		Name:    "push",
		Summary: "Upload a file",
		Flags: func() *pflag.FlagSet {
			return FlagsFromParams("push", &params)
		},
		Run: func(_ context.Context, args []string) error {
			*ran = append(*ran, "push:"+params.Mode+":"+strings.Join(args, ","))
			return nil
		},
	}
	return &Command{
		Name:        "devbridge",
		Description: "Talk to a device agent.",
		HelpOutput:  help,
		Subcommands: []*Command{
			push,
			{Name: "pull", Summary: "Download a file", Run: func(context.Context, []string) error {
				*ran = append(*ran, "pull")
				return nil
			}},
		},
	}
}

// TestExecuteDispatch verifies subcommand lookup and flag parsing.
func TestExecuteDispatch(t *testing.T) {
	var help bytes.Buffer
	var ran []string
	root := newTestTree(&help, &ran)

	if err := root.Execute(context.Background(), []string{"push", "--mode", "0600", "a", "b"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := root.Execute(context.Background(), []string{"pull"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"push:0600:a,b", "pull"}
	if strings.Join(ran, " ") != strings.Join(want, " ") {
		t.Errorf("ran = %v, want %v", ran, want)
	}
}

// TestExecuteUnknownCommand verifies the did-you-mean suggestion.
func TestExecuteUnknownCommand(t *testing.T) {
	var help bytes.Buffer
	var ran []string
	root := newTestTree(&help, &ran)

	err := root.Execute(context.Background(), []string{"pusj"})
	if err == nil {
		t.Fatal("Execute succeeded for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "push"`) {
		t.Errorf("error = %q, want a suggestion for push", err)
	}
}

// TestExecuteUnknownFlag verifies flag suggestions.
func TestExecuteUnknownFlag(t *testing.T) {
	var help bytes.Buffer
	var ran []string
	root := newTestTree(&help, &ran)

	err := root.Execute(context.Background(), []string{"push", "--mdoe", "0600"})
	if err == nil {
		t.Fatal("Execute succeeded with an unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --mode") {
		t.Errorf("error = %q, want a suggestion for --mode", err)
	}
	if len(ran) != 0 {
		t.Errorf("command ran despite the flag error: %v", ran)
	}
}

// TestExecuteHelp verifies help output for groups and leaves.
func TestExecuteHelp(t *testing.T) {
	var help bytes.Buffer
	var ran []string
	root := newTestTree(&help, &ran)

	if err := root.Execute(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("Execute --help: %v", err)
	}
	output := help.String()
	for _, want := range []string{"Talk to a device agent.", "push", "Upload a file", "pull"} {
		if !strings.Contains(output, want) {
			t.Errorf("root help missing %q:\n%s", want, output)
		}
	}

	help.Reset()
	if err := root.Execute(context.Background(), []string{"push", "--help"}); err != nil {
		t.Fatalf("Execute push --help: %v", err)
	}
	if !strings.Contains(help.String(), "--mode") || !strings.Contains(help.String(), "devbridge push") {
		t.Errorf("push help missing flags or full name:\n%s", help.String())
	}
}

// TestExecuteMissingSubcommand verifies that a bare group fails.
func TestExecuteMissingSubcommand(t *testing.T) {
	var help bytes.Buffer
	var ran []string
	root := newTestTree(&help, &ran)

	if err := root.Execute(context.Background(), nil); err == nil {
		t.Fatal("Execute with no subcommand succeeded")
	}
	if help.Len() == 0 {
		t.Error("no help printed for a bare group")
	}
}

// TestExitError verifies the exit code interface.
func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 3}
	var coded interface{ ExitCode() int }
	if !errors.As(err, &coded) || coded.ExitCode() != 3 {
		t.Fatalf("ExitCode not reachable through errors.As")
	}
	if err.Error() != "exit code 3" {
		t.Errorf("Error() = %q", err.Error())
	}
}
