package launcher

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPusher struct {
	mtx    sync.Mutex
	pushed []*models.TaskResult
}

func (p *recordingPusher) PushResult(ctx context.Context, orchestratorBaseUrl string, result *models.TaskResult) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pushed = append(p.pushed, result)
	return nil
}

func (p *recordingPusher) last() *models.TaskResult {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.pushed) == 0 {
		return nil
	}
	return p.pushed[len(p.pushed)-1]
}

func writeScript(t *testing.T, dir string, name string, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newTestLauncher(t *testing.T, pusher ResultPusher) (*Launcher, string) {
	dir, err := ioutil.TempDir("", "launcher")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	l := NewLauncher(helpers.SupervisorConfig{AdvertiseHost: "10.1.2.3", Port: 9999, ExecutorBaseDir: filepath.Join(dir, "work")}, pusher, "http://orchestrator:9000")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l, dir
}

func waitForStatus(t *testing.T, l *Launcher, id models.JobIdentity, status models.TaskStatus) *models.TaskResult {
	var result *models.TaskResult
	ok := assert.Eventually(t, func() bool {
		result = l.Result(id)
		return result != nil && result.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Log(spew.Sdump(result))
	}
	return result
}

func TestParseLaunchOptions(t *testing.T) {
	opts, err := ParseLaunchOptions(map[string]string{
		"command": "/usr/bin/report",
		"args":    `--region eu --where "day = 'monday'" --full`,
		"timeout": "90s",
		"query":   "select 1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/report", opts.Command)
	assert.Equal(t, []string{"--region", "eu", "--where", "day = 'monday'", "--full"}, opts.Args)
	assert.Equal(t, 90*time.Second, opts.Timeout)

	_, err = ParseLaunchOptions(map[string]string{"args": "x"})
	assert.Error(t, err, "a command is required")
	_, err = ParseLaunchOptions(map[string]string{"command": "x", "timeout": "soon"})
	assert.Error(t, err)
	_, err = ParseLaunchOptions(map[string]string{"command": "x", "outputEncoding": "ebcdic"})
	assert.Error(t, err)
	_, err = ParseLaunchOptions(nil)
	assert.Error(t, err)
}

func TestParseOutputLine(t *testing.T) {
	update := parseOutputLine("PROGRESS 0.25")
	require.NotNil(t, update)
	assert.Equal(t, 0.25, *update.progress)

	update = parseOutputLine("PROGRESS 7")
	require.NotNil(t, update)
	assert.Equal(t, 1.0, *update.progress, "progress is clamped")

	update = parseOutputLine(`RESULT {"rows":3}`)
	require.NotNil(t, update)
	assert.Equal(t, `{"rows":3}`, *update.resultJson)

	update = parseOutputLine("META stage = loading")
	require.NotNil(t, update)
	assert.Equal(t, "stage", update.metaKey)
	assert.Equal(t, "loading", update.metaValue)

	assert.Nil(t, parseOutputLine("PROGRESS lots"))
	assert.Nil(t, parseOutputLine("PROGRESS NaN"), "a NaN progress could not be sent on as json")
	assert.Nil(t, parseOutputLine("PROGRESS +Inf"))
	assert.Nil(t, parseOutputLine("PROGRESS -inf"))
	assert.Nil(t, parseOutputLine("META novalue"))
	assert.Nil(t, parseOutputLine("just some chatter"))
}

func TestLauncher_RunsToCompletion(t *testing.T) {
	pusher := &recordingPusher{}
	l, dir := newTestLauncher(t, pusher)
	script := writeScript(t, dir, "job.sh", `echo "PROGRESS 0.5"
echo "META stage=half"
echo "job $TASKRUNNER_JOB_ID of type $TASKRUNNER_JOB_TYPE"
echo 'RESULT {"rows":3}'`)

	executor, err := l.Start(context.Background(), models.JobContext{JobIdentity: 5, JobType: "sql-batch", Parameters: map[string]string{"command": script}})
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", executor.Host)
	assert.Equal(t, 9999, executor.ExecutorPort)
	assert.NotEmpty(t, executor.Identifier)

	result := waitForStatus(t, l, 5, models.TASK_DONE)
	require.NotNil(t, result)
	assert.Equal(t, 1.0, result.Progress)
	assert.Equal(t, `{"rows":3}`, result.ResultJson)
	assert.Equal(t, "half", result.LogMetadata["stage"])
	assert.Equal(t, "0", result.LogMetadata["exitCode"])
	assert.Equal(t, "script", result.LogMetadata["executableKind"])

	workDir := filepath.Join(dir, "work", "5")
	assert.FileExists(t, filepath.Join(workDir, PARAMETERS_FILE))

	assert.Eventually(t, func() bool {
		last := pusher.last()
		return last != nil && last.Status == models.TASK_DONE
	}, 5*time.Second, 10*time.Millisecond)

	again, err := l.Start(context.Background(), models.JobContext{JobIdentity: 5, JobType: "sql-batch", Parameters: map[string]string{"command": script}})
	require.NoError(t, err)
	assert.Equal(t, executor.Identifier, again.Identifier, "a repeated START must not launch a second executor")

	require.NoError(t, l.Destroy(context.Background(), 5))
	assert.Nil(t, l.Result(5))
	_, statErr := os.Stat(workDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLauncher_FailureCarriesStderr(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "fail.sh", `echo "disk full" >&2
exit 3`)

	_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 6, JobType: "sql-batch", Parameters: map[string]string{"command": script}})
	require.NoError(t, err)

	result := waitForStatus(t, l, 6, models.TASK_FAILED)
	require.NotNil(t, result)
	assert.Equal(t, "exit status 3: disk full", result.LogMetadata["error"])
	assert.Equal(t, "3", result.LogMetadata["exitCode"])
}

func TestLauncher_StopReportsCanceled(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "long.sh", "exec sleep 30")

	_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 7, JobType: "sql-batch", Parameters: map[string]string{"command": script}})
	require.NoError(t, err)
	assert.Equal(t, 1, l.RunningCount())

	require.NoError(t, l.Stop(7))
	waitForStatus(t, l, 7, models.TASK_CANCELED)
	assert.Equal(t, 0, l.RunningCount())
	assert.NoError(t, l.Stop(7), "stopping a finished task is a no-op")
	assert.ErrorIs(t, l.Stop(8), ErrNoSuchTask)
}

func TestLauncher_Timeout(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "long.sh", "exec sleep 30")

	_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 9, JobType: "sql-batch", Parameters: map[string]string{"command": script, "timeout": "100ms"}})
	require.NoError(t, err)

	result := waitForStatus(t, l, 9, models.TASK_FAILED)
	require.NotNil(t, result)
	assert.Equal(t, "timed out after 100ms", result.LogMetadata["error"])
}

func TestLauncher_FinishCountsAsDone(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "long.sh", "exec sleep 30")

	_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 10, JobType: "sql-batch", Parameters: map[string]string{"command": script}})
	require.NoError(t, err)
	require.NoError(t, l.Finish(10))
	waitForStatus(t, l, 10, models.TASK_DONE)

	assert.ErrorIs(t, l.Modify(10, map[string]string{"limit": "5"}), ErrTaskFinished)
}

func TestLauncher_ModifyRewritesParameters(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "reload.sh", `trap 'echo "META reloaded=yes"' HUP
echo "META ready=yes"
while true; do sleep 0.05; done`)

	_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 11, JobType: "sql-batch", Parameters: map[string]string{"command": script, "limit": "1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return l.Result(11).LogMetadata["ready"] == "yes"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, l.Modify(11, map[string]string{"limit": "5"}))

	content, readErr := ioutil.ReadFile(filepath.Join(dir, "work", "11", PARAMETERS_FILE))
	require.NoError(t, readErr)
	assert.Contains(t, string(content), `"limit":"5"`)
	assert.Contains(t, string(content), `"command"`)

	assert.Eventually(t, func() bool {
		result := l.Result(11)
		return result != nil && result.LogMetadata["reloaded"] == "yes"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLauncher_RejectsBadCommands(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	notExecutable := filepath.Join(dir, "notes.txt")
	require.NoError(t, ioutil.WriteFile(notExecutable, []byte("hello"), 0644))

	for _, params := range []map[string]string{
		{"command": notExecutable},
		{"command": filepath.Join(dir, "missing")},
		{"command": dir},
		{"args": "no command"},
	} {
		_, err := l.Start(context.Background(), models.JobContext{JobIdentity: 12, JobType: "sql-batch", Parameters: params})
		var rejected *LaunchRejected
		assert.True(t, errors.As(err, &rejected), "expected a rejection for %v, got %v", params, err)
	}
	assert.Nil(t, l.Result(12))
}
