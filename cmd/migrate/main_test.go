package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexsync/internal/infra/persistence/migrations"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand([]string{"-database", "postgres://db", "up"}, "", io.Discard)
	require.NoError(t, err)
	require.Equal(t, "up", cmd.action)
	require.Equal(t, defaultMigrationsPath, cmd.dir)
	require.Equal(t, defaultTimeout, cmd.timeout)

	cmd, err = parseCommand([]string{"-embedded", "-timeout", "5s", "down", "3"}, "postgres://env", io.Discard)
	require.NoError(t, err)
	require.Equal(t, "postgres://env", cmd.dsn)
	require.Equal(t, migrations.Embedded, cmd.dir)
	require.Equal(t, 3, cmd.steps)
	require.Equal(t, 5*time.Second, cmd.timeout)

	cmd, err = parseCommand([]string{"down"}, "postgres://env", io.Discard)
	require.NoError(t, err)
	require.Equal(t, 1, cmd.steps)
}

func TestParseCommandErrors(t *testing.T) {
	for name, argv := range map[string][]string{
		"no dsn":     {"up"},
		"no action":  {"-database", "postgres://db"},
		"bad action": {"-database", "postgres://db", "sideways"},
		"bad steps":  {"-database", "postgres://db", "down", "x"},
		"empty path": {"-database", "postgres://db", "-path", " ", "up"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseCommand(argv, "", io.Discard)
			require.Error(t, err)
		})
	}
}
