package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(name string) bool {
	for _, c := range rootCmd.Commands() {
		if c.Name() == name {
			return true
		}
	}

	return false
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "build", "publish", "courses", "version"} {
		assert.True(t, findCommand(name), "command %q should be registered", name)
	}
}

func TestCoursesSubcommands(t *testing.T) {
	var courses *cobra.Command
	for _, c := range rootCmd.Commands() {
		if c.Name() == "courses" {
			courses = c
		}
	}
	require.NotNil(t, courses)

	names := map[string]bool{}
	for _, c := range courses.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "add", "show", "remove"} {
		assert.True(t, names[name], "courses subcommand %q should be registered", name)
	}
}

func TestBuildRequiresCourseKey(t *testing.T) {
	err := buildCmd.Args(buildCmd, []string{})
	assert.Error(t, err)
	err = buildCmd.Args(buildCmd, []string{"demo"})
	assert.NoError(t, err)
}

func TestPersistentFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}
