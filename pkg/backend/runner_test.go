package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCommandWiring(t *testing.T) {
	stdin := strings.NewReader("")
	r := &ExecRunner{Stdin: stdin}
	ctx := context.Background()

	t.Run("interactive shares the terminal", func(t *testing.T) {
		cmd := r.command(ctx, InteractiveShell("sudo apt install vim", time.Minute))
		assert.Same(t, stdin, cmd.Stdin)
		assert.Nil(t, cmd.SysProcAttr, "interactive commands must stay in the foreground process group")
	})

	t.Run("non-interactive runs in its own group", func(t *testing.T) {
		cmd := r.command(ctx, Shell("apt-cache search vim", time.Minute))
		assert.Nil(t, cmd.Stdin)
		require.NotNil(t, cmd.SysProcAttr)
		assert.True(t, cmd.SysProcAttr.Setpgid)
		assert.NotNil(t, cmd.Cancel)
	})
}

func TestExecRunnerInteractiveReadsStdin(t *testing.T) {
	r := NewExecRunner(0)
	r.Stdin = strings.NewReader("secret\n")

	out, err := r.Run(context.Background(), InteractiveShell(`read answer && echo "got:$answer"`, 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "got:secret", strings.TrimSpace(out.Stdout))
}

func TestExecRunnerNonInteractiveHasNoInput(t *testing.T) {
	r := NewExecRunner(0)
	r.Stdin = strings.NewReader("secret\n")

	out, err := r.Run(context.Background(), Shell(`read answer || echo eof`, 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "eof", strings.TrimSpace(out.Stdout))
}

func TestExecRunnerTimeout(t *testing.T) {
	r := NewExecRunner(0)

	out, err := r.Run(context.Background(), Shell("sleep 5", 100*time.Millisecond))
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, -1, out.ExitCode)
}
