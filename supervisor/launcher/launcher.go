package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
)

var ErrNoSuchTask = errors.New("no such task on this supervisor")
var ErrTaskFinished = errors.New("task has already finished")

const PARAMETERS_FILE = "parameters.json"

/**
LaunchRejected means a START could never succeed as given, e.g. the command doesn't exist or
isn't executable. Retrying it is pointless.
*/
type LaunchRejected struct {
	JobIdentity models.JobIdentity
	Reason      error
}

func (e *LaunchRejected) Error() string {
	return fmt.Sprintf("launch of job %s rejected: %s", e.JobIdentity, e.Reason)
}

func (e *LaunchRejected) Unwrap() error {
	return e.Reason
}

/**
ResultPusher delivers result snapshots to an orchestrator. *supervisorclient.CommandClient is one.
*/
type ResultPusher interface {
	PushResult(ctx context.Context, orchestratorBaseUrl string, result *models.TaskResult) error
}

type task struct {
	mtx             sync.Mutex
	jobContext      models.JobContext
	executor        models.ExecutorEndpoint
	cmd             *exec.Cmd
	cancel          context.CancelFunc
	timeout         time.Duration
	workDir         string
	ownsWorkDir     bool
	result          models.TaskResult
	stopRequested   bool
	finishRequested bool
	lastStderr      string
	finished        chan struct{}
}

func (t *task) isFinished() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

/**
applies a parsed output line to the current result. Returns true if anything changed.
*/
func (t *task) apply(update *outputUpdate) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	switch {
	case update.progress != nil:
		if t.result.Progress == *update.progress {
			return false
		}
		t.result.Progress = *update.progress
	case update.resultJson != nil:
		if t.result.ResultJson == *update.resultJson {
			return false
		}
		t.result.ResultJson = *update.resultJson
	default:
		if t.result.LogMetadata[update.metaKey] == update.metaValue {
			return false
		}
		t.result.LogMetadata[update.metaKey] = update.metaValue
	}
	return true
}

func (t *task) setLastStderr(line string) {
	t.mtx.Lock()
	t.lastStderr = line
	t.mtx.Unlock()
}

/**
works out the final status from how the process ended
*/
func (t *task) complete(waitErr error, runErr error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var exitErr *exec.ExitError
	isExitErr := errors.As(waitErr, &exitErr)
	signalled := isExitErr && exitErr.ExitCode() == -1

	switch {
	case t.stopRequested:
		t.result.Status = models.TASK_CANCELED
	case waitErr == nil:
		t.result.Status = models.TASK_DONE
		t.result.Progress = 1
	case t.finishRequested && signalled:
		t.result.Status = models.TASK_DONE
	case errors.Is(runErr, context.DeadlineExceeded):
		t.result.Status = models.TASK_FAILED
		t.result.LogMetadata["error"] = fmt.Sprintf("timed out after %s", t.timeout)
	case signalled:
		t.result.Status = models.TASK_ABNORMAL
		t.result.LogMetadata["error"] = fmt.Sprintf("executor was killed: %s", exitErr)
	default:
		t.result.Status = models.TASK_FAILED
		message := waitErr.Error()
		if t.lastStderr != "" {
			message = fmt.Sprintf("%s: %s", message, t.lastStderr)
		}
		t.result.LogMetadata["error"] = message
	}
	if isExitErr {
		t.result.LogMetadata["exitCode"] = strconv.Itoa(exitErr.ExitCode())
	} else if waitErr == nil {
		t.result.LogMetadata["exitCode"] = "0"
	}
}

func (t *task) snapshot() *models.TaskResult {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	copied := t.result
	copied.LogMetadata = make(map[string]string, len(t.result.LogMetadata))
	for k, v := range t.result.LogMetadata {
		copied.LogMetadata[k] = v
	}
	return &copied
}

/**
Launcher runs executor processes for the jobs it is sent and tracks their results.
It answers for both the supervisor and the executors, so executor port == supervisor port.
*/
type Launcher struct {
	mtx           sync.Mutex
	tasks         map[models.JobIdentity]*task
	advertiseHost string
	port          int
	baseDir       string
	pusher        ResultPusher
	pushBaseUrl   string
}

/**
pusher may be nil, in which case results are only available by polling
*/
func NewLauncher(conf helpers.SupervisorConfig, pusher ResultPusher, pushBaseUrl string) *Launcher {
	port := conf.Port
	if conf.ExecutorPort > 0 {
		port = conf.ExecutorPort
	}
	return &Launcher{
		tasks:         make(map[models.JobIdentity]*task),
		advertiseHost: conf.AdvertiseHost,
		port:          port,
		baseDir:       conf.ExecutorBaseDir,
		pusher:        pusher,
		pushBaseUrl:   pushBaseUrl,
	}
}

func (l *Launcher) lookup(id models.JobIdentity) *task {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.tasks[id]
}

func buildEnvironment(jc models.JobContext, workDir string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(jc.Environment))
	for k := range jc.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, jc.Environment[k]))
	}
	return append(env,
		"TASKRUNNER_JOB_ID="+jc.JobIdentity.String(),
		"TASKRUNNER_JOB_TYPE="+jc.JobType,
		"TASKRUNNER_WORK_DIR="+workDir,
	)
}

func writeParametersFile(workDir string, params map[string]string) error {
	content, marshalErr := json.Marshal(params)
	if marshalErr != nil {
		return marshalErr
	}
	return ioutil.WriteFile(filepath.Join(workDir, PARAMETERS_FILE), content, 0644)
}

/**
launches the executor for the given job. A START for a job this supervisor already knows about
is answered with the existing executor rather than launching a second one.
*/
func (l *Launcher) Start(ctx context.Context, jc models.JobContext) (*models.ExecutorEndpoint, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if existing, found := l.tasks[jc.JobIdentity]; found {
		log.Infof("job %s was already started here, returning executor %s", jc.JobIdentity, existing.executor.Identifier)
		executor := existing.executor
		return &executor, nil
	}

	opts, optErr := ParseLaunchOptions(jc.Parameters)
	if optErr != nil {
		return nil, &LaunchRejected{JobIdentity: jc.JobIdentity, Reason: optErr}
	}
	path, kind, resolveErr := opts.ResolveExecutable()
	if resolveErr != nil {
		return nil, &LaunchRejected{JobIdentity: jc.JobIdentity, Reason: resolveErr}
	}
	decoder, _ := helpers.DecoderForName(opts.OutputEncoding)

	workDir := opts.WorkingDir
	ownsWorkDir := false
	if workDir == "" {
		workDir = filepath.Join(l.baseDir, jc.JobIdentity.String())
		ownsWorkDir = true
	}
	if mkErr := os.MkdirAll(workDir, 0755); mkErr != nil {
		log.Errorf("could not create working directory %s for job %s: %s", workDir, jc.JobIdentity, mkErr)
		return nil, mkErr
	}
	if writeErr := writeParametersFile(workDir, jc.Parameters); writeErr != nil {
		log.Errorf("could not write parameters for job %s: %s", jc.JobIdentity, writeErr)
		return nil, writeErr
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(runCtx, path, opts.Args...)
	cmd.Dir = workDir
	cmd.Env = buildEnvironment(jc, workDir)
	stdout, stdoutErr := cmd.StdoutPipe()
	stderr, stderrErr := cmd.StderrPipe()
	if stdoutErr != nil || stderrErr != nil {
		cancel()
		return nil, fmt.Errorf("could not connect to executor output: %v %v", stdoutErr, stderrErr)
	}

	log.Debugf("launching %s executable %s %v for job %s", kind, path, opts.Args, jc.JobIdentity)
	if startErr := cmd.Start(); startErr != nil {
		cancel()
		log.Errorf("could not start executor for job %s: %s", jc.JobIdentity, startErr)
		return nil, startErr
	}

	t := &task{
		jobContext: jc,
		executor: models.ExecutorEndpoint{
			Protocol:       "http",
			Host:           l.advertiseHost,
			SupervisorPort: l.port,
			ExecutorPort:   l.port,
			Identifier:     uuid.New().String(),
		},
		cmd:         cmd,
		cancel:      cancel,
		timeout:     opts.Timeout,
		workDir:     workDir,
		ownsWorkDir: ownsWorkDir,
		result: models.TaskResult{
			JobIdentity: jc.JobIdentity,
			Status:      models.TASK_RUNNING,
			LogMetadata: map[string]string{
				"pid":            strconv.Itoa(cmd.Process.Pid),
				"executableKind": string(kind),
			},
		},
		finished: make(chan struct{}),
	}
	l.tasks[jc.JobIdentity] = t
	go l.watch(t, runCtx, stdout, stderr, decoder)

	log.Infof("started executor %s (pid %d) for job %s", t.executor.Identifier, cmd.Process.Pid, jc.JobIdentity)
	executor := t.executor
	return &executor, nil
}

/**
follows the executor's output until it exits, then records how it ended
*/
func (l *Launcher) watch(t *task, runCtx context.Context, stdout io.Reader, stderr io.Reader, decoder *encoding.Decoder) {
	defer close(t.finished)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		lines, errs := helpers.AsyncNewlineReader(stderr, nil, 10)
		for {
			select {
			case line := <-lines:
				if line == nil {
					return
				}
				t.setLastStderr(*line)
			case readErr := <-errs:
				log.Warnf("lost stderr of job %s: %s", t.jobContext.JobIdentity, readErr)
				_, _ = io.Copy(ioutil.Discard, stderr)
				return
			}
		}
	}()

	lines, errs := helpers.AsyncNewlineReader(stdout, decoder, 100)
readLoop:
	for {
		select {
		case line := <-lines:
			if line == nil {
				break readLoop
			}
			if update := parseOutputLine(*line); update != nil {
				if t.apply(update) {
					l.push(t)
				}
			} else {
				log.Debugf("job %s: %s", t.jobContext.JobIdentity, *line)
			}
		case readErr := <-errs:
			log.Warnf("lost stdout of job %s: %s", t.jobContext.JobIdentity, readErr)
			_, _ = io.Copy(ioutil.Discard, stdout)
			break readLoop
		}
	}
	<-stderrDone

	waitErr := t.cmd.Wait()
	t.complete(waitErr, runCtx.Err())
	t.cancel()

	final := t.snapshot()
	log.Infof("executor for job %s finished with %s", final.JobIdentity, final.Status)
	l.push(t)
}

func (l *Launcher) push(t *task) {
	if l.pusher == nil || l.pushBaseUrl == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := t.snapshot()
	if pushErr := l.pusher.PushResult(ctx, l.pushBaseUrl, result); pushErr != nil {
		log.Warnf("could not push result for job %s, it will still be available by polling: %s", result.JobIdentity, pushErr)
	}
}

/**
kills the executor. It reports CANCELED once it has gone.
*/
func (l *Launcher) Stop(id models.JobIdentity) error {
	t := l.lookup(id)
	if t == nil {
		return ErrNoSuchTask
	}
	if t.isFinished() {
		return nil
	}
	t.mtx.Lock()
	t.stopRequested = true
	t.mtx.Unlock()
	t.cancel()
	return nil
}

/**
asks the executor to wrap up with SIGTERM. If it exits on that signal it counts as DONE.
*/
func (l *Launcher) Finish(id models.JobIdentity) error {
	t := l.lookup(id)
	if t == nil {
		return ErrNoSuchTask
	}
	if t.isFinished() {
		return nil
	}
	t.mtx.Lock()
	t.finishRequested = true
	t.mtx.Unlock()
	return t.cmd.Process.Signal(syscall.SIGTERM)
}

/**
merges new parameters into the running task's parameters file and sends SIGHUP so the executor
can pick them up
*/
func (l *Launcher) Modify(id models.JobIdentity, params map[string]string) error {
	t := l.lookup(id)
	if t == nil {
		return ErrNoSuchTask
	}
	if t.isFinished() {
		return ErrTaskFinished
	}

	t.mtx.Lock()
	merged := make(map[string]string, len(t.jobContext.Parameters)+len(params))
	for k, v := range t.jobContext.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	t.jobContext.Parameters = merged
	t.mtx.Unlock()

	if writeErr := writeParametersFile(t.workDir, merged); writeErr != nil {
		return writeErr
	}
	return t.cmd.Process.Signal(syscall.SIGHUP)
}

/**
forgets the task, killing it first if it is still going and removing any working directory we
made for it. Destroying an unknown task is not an error.
*/
func (l *Launcher) Destroy(ctx context.Context, id models.JobIdentity) error {
	t := l.lookup(id)
	if t == nil {
		return nil
	}
	if !t.isFinished() {
		_ = l.Stop(id)
		select {
		case <-t.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mtx.Lock()
	delete(l.tasks, id)
	l.mtx.Unlock()

	if t.ownsWorkDir {
		if rmErr := os.RemoveAll(t.workDir); rmErr != nil {
			log.Warnf("could not remove working directory %s: %s", t.workDir, rmErr)
		}
	}
	log.Infof("destroyed executor for job %s", id)
	return nil
}

/**
returns a copy of the latest result for the job, or nil if we don't know it
*/
func (l *Launcher) Result(id models.JobIdentity) *models.TaskResult {
	t := l.lookup(id)
	if t == nil {
		return nil
	}
	return t.snapshot()
}

func (l *Launcher) RunningCount() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	count := 0
	for _, t := range l.tasks {
		if !t.isFinished() {
			count++
		}
	}
	return count
}

/**
stops every executor that is still running and waits for them to go
*/
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mtx.Lock()
	ids := make([]models.JobIdentity, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	l.mtx.Unlock()

	for _, id := range ids {
		t := l.lookup(id)
		if t == nil || t.isFinished() {
			continue
		}
		_ = l.Stop(id)
		select {
		case <-t.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
