package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/deployd/internal/model"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCopyFileOverwritesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "out", "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("old contents"), 0o644))

	ok, err := NewExecutor(0, nil).Execute(context.Background(), CopyFile{Source: src, Destination: dst})
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestCopyFileMissingParameters(t *testing.T) {
	e := NewExecutor(0, nil)
	for _, a := range []CopyFile{{}, {Source: "/tmp/a"}, {Destination: "/tmp/b"}, {Source: "  ", Destination: "/tmp/b"}} {
		ok, err := e.Execute(context.Background(), a)
		assert.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	ok, err := NewExecutor(0, nil).Execute(context.Background(), CopyFile{
		Source:      filepath.Join(dir, "absent"),
		Destination: filepath.Join(dir, "dest"),
	})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExecuteFileExitCodes(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(5*time.Second, nil)

	ok, err := e.Execute(context.Background(), ExecuteFile{File: writeScript(t, dir, "ok.sh", "exit 0")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Execute(context.Background(), ExecuteFile{File: writeScript(t, dir, "fail.sh", "exit 1")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteFileSplitsArguments(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "args.txt")
	script := writeScript(t, dir, "args.sh", `printf '%s|' "$@" > "`+out+`"`)

	ok, err := NewExecutor(5*time.Second, nil).Execute(context.Background(), ExecuteFile{File: script, Args: "one  two three"})
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "one|two|three|", string(data))
}

func TestExecuteFileTimeout(t *testing.T) {
	script := writeScript(t, t.TempDir(), "slow.sh", "sleep 30")

	start := time.Now()
	ok, err := NewExecutor(200*time.Millisecond, nil).Execute(context.Background(), ExecuteFile{File: script})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteFileBlankAndMissing(t *testing.T) {
	e := NewExecutor(time.Second, nil)

	ok, err := e.Execute(context.Background(), ExecuteFile{File: " "})
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Execute(context.Background(), ExecuteFile{File: filepath.Join(t.TempDir(), "nope.sh")})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExecuteFileElevatedUsesSudo(t *testing.T) {
	dir := t.TempDir()
	record := filepath.Join(dir, "sudo.txt")
	fakeSudo := writeScript(t, dir, "sudo", `printf '%s ' "$@" > "`+record+`"; cat >> "`+record+`"`)

	e := NewExecutor(5*time.Second, nil)
	e.Sudo = fakeSudo

	ok, err := e.Execute(context.Background(), ExecuteFile{File: "/opt/app/restart", Args: "now", Mode: "ELEVATED"})
	require.NoError(t, err)
	require.True(t, ok)
	data, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "-n -- /opt/app/restart now ", string(data))

	ok, err = e.Execute(context.Background(), ExecuteFile{File: "/opt/app/restart", Username: "deploy", Password: "secret"})
	require.NoError(t, err)
	require.True(t, ok)
	data, err = os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "-S -p  -u deploy -- /opt/app/restart secret\n", string(data))
}

func TestUnimplementedActionsFail(t *testing.T) {
	e := NewExecutor(0, nil)
	for _, a := range []Action{SendEmail{}, CheckUnitTests{}, RunDatabaseScript{}} {
		ok, err := e.Execute(context.Background(), a)
		assert.NoError(t, err)
		assert.False(t, ok, a.Type().String())
	}

	ok, err := e.Execute(context.Background(), NoAction{})
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestFromModel(t *testing.T) {
	a, err := FromModel(model.NewDeploymentAction(model.ActionExecuteFile, "/bin/run", "-v", "Elevated"))
	require.NoError(t, err)
	assert.Equal(t, ExecuteFile{File: "/bin/run", Args: "-v", Mode: "Elevated"}, a)

	a, err = FromModel(model.NewDeploymentAction(model.ActionCopyFile, "/a"))
	require.NoError(t, err)
	assert.Equal(t, CopyFile{Source: "/a"}, a)

	a, err = FromModel(model.DeploymentAction{})
	require.NoError(t, err)
	assert.Equal(t, NoAction{}, a)

	_, err = FromModel(model.DeploymentAction{Type: model.ActionType(99)})
	assert.Error(t, err)
}

func TestNoopExecutorSucceeds(t *testing.T) {
	ok, err := NoopExecutor{}.Execute(context.Background(), ExecuteFile{File: "/bin/false"})
	assert.NoError(t, err)
	assert.True(t, ok)
}
