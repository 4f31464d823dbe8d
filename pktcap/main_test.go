package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatch(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "no_args", args: nil},
		{name: "help", args: []string{"help"}},
		{name: "version", args: []string{"version"}},
		{name: "rules_help", args: []string{"rules", "help"}},
		{name: "ca_help", args: []string{"ca", "--help"}},
		{name: "run_help", args: []string{"run", "--help"}},
		{name: "init_help", args: []string{"init", "--help"}},
		{name: "unknown", args: []string{"capture"}, wantErr: true},
		{name: "rules_without_subcommand", args: []string{"rules"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dispatch(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
