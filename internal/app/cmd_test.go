package app

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"sweep", []string{"sweep"}, CommandSweep},
		{"migrate", []string{"migrate", "down", "2"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"後続の引数は無視", []string{"worker", "--flag", "value"}, CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) returned error: %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_UnknownIsError(t *testing.T) {
	_, err := ParseCommand([]string{"unknown"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `"unknown"`) {
		t.Errorf("error should name the command, got %v", err)
	}
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want MigrateOptions
	}{
		{"引数なしはup", nil, MigrateOptions{Action: MigrateUp}},
		{"up", []string{"up"}, MigrateOptions{Action: MigrateUp}},
		{"downの既定は1件", []string{"down"}, MigrateOptions{Action: MigrateDown, Steps: 1}},
		{"down N", []string{"down", "3"}, MigrateOptions{Action: MigrateDown, Steps: 3}},
		{"version", []string{"version"}, MigrateOptions{Action: MigrateVersion}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMigrateArgs(tt.args)
			if err != nil {
				t.Fatalf("ParseMigrateArgs(%v) returned error: %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseMigrateArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseMigrateArgs_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"sideways"},
		{"down", "zero"},
		{"down", "0"},
		{"down", "-2"},
	} {
		if _, err := ParseMigrateArgs(args); err == nil {
			t.Errorf("ParseMigrateArgs(%v) should fail", args)
		}
	}
}
