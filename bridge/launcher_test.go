package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gberrors "github.com/c360/gantrybridge/errors"
)

func TestExpand(t *testing.T) {
	got := expand([]string{"aimsun", "-script", "init.py", "{replication}", "--port={port}"}, 31334, 1251)
	assert.Equal(t, []string{"aimsun", "-script", "init.py", "31334", "--port=1251"}, got)
}

func TestExecLauncher_Empty(t *testing.T) {
	err := (&ExecLauncher{}).Launch(context.Background(), 1, 1251)
	assert.ErrorIs(t, err, gberrors.ErrMissingConfig)
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	err := (&ExecLauncher{Command: []string{filepath.Join(t.TempDir(), "no-such-simulator")}}).
		Launch(context.Background(), 1, 1251)
	require.Error(t, err)
	assert.True(t, gberrors.IsFatal(err))
}

func TestExecLauncher_Substitutes(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "args")
	l := &ExecLauncher{Command: []string{"/bin/sh", "-c", "echo {replication}:{port} > " + out}}
	require.NoError(t, l.Launch(context.Background(), 31334, 1251))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == "31334:1251"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLauncherFunc(t *testing.T) {
	var got []int
	l := LauncherFunc(func(_ context.Context, replication, port int) error {
		got = append(got, replication, port)
		return nil
	})
	require.NoError(t, l.Launch(context.Background(), 7, 1251))
	assert.Equal(t, []int{7, 1251}, got)
	assert.NoError(t, NoopLauncher{}.Launch(context.Background(), 7, 1251))
}
