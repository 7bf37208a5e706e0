package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"
)

// ErrSpawn is returned when a process could not be started.
var ErrSpawn = errors.New("spawning process")

const (
	DefaultInterpreter = "bash"
	DefaultGracePeriod = 3 * time.Second

	linesBuffer = 64
)

type Runner struct {
	Log *zap.SugaredLogger
	// Interpreter is the program the script file is passed to.
	Interpreter string
	// ScriptDir is where script files are written. Defaults to the system temp dir.
	ScriptDir   string
	GracePeriod time.Duration
}

type Request struct {
	Body string
	// Args is split with shell quoting rules and passed after the script file.
	Args string
	Env  []string
	WD   string
}

type Result struct {
	ExitCode int
	// Terminated is true if Terminate was called before the process and its output were done.
	Terminated bool
	TimeMS     int64
	// Err is set when waiting on the process failed for a reason other than a non-zero exit.
	Err error
}

// Spawn starts the script. The process is not bound to ctx once started; use Terminate to stop it.
func (r *Runner) Spawn(ctx context.Context, req Request) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSpawn, err)
	}
	args, err := shellwords.Parse(req.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing args %q: %s", ErrSpawn, req.Args, err)
	}

	interpreter := r.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	interpreterPath, err := exec.LookPath(interpreter)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSpawn, err)
	}

	scriptFile, err := r.writeScript(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: writing script file: %s", ErrSpawn, err)
	}

	cmd := exec.Command(interpreterPath, append([]string{scriptFile}, args...)...)
	cmd.Dir = req.WD
	cmd.Env = append(os.Environ(), req.Env...)
	// own process group, so that terminating the script also reaches anything it backgrounded
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		os.Remove(scriptFile)
		return nil, fmt.Errorf("%w: creating output pipe: %s", ErrSpawn, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		os.Remove(scriptFile)
		return nil, fmt.Errorf("%w: %s", ErrSpawn, err)
	}
	// the child holds its own copy of the write end
	outW.Close()

	gracePeriod := r.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	p := &Process{
		log:         r.logger().With("PID", cmd.Process.Pid),
		cmd:         cmd,
		scriptFile:  scriptFile,
		gracePeriod: gracePeriod,
		lines:       make(chan string, linesBuffer),
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.log.Debugw("process started", "Script", scriptFile, "Args", args)

	p.wg.Add(2)
	go p.readOutput(outR)
	go p.wait(startTime)
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

func (r *Runner) logger() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

func (r *Runner) writeScript(body string) (string, error) {
	dir := r.ScriptDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "script-*.sh")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	r.logger().Debugw("wrote script file", "File", f.Name(), "Size", humanize.Bytes(uint64(len(body))))
	return f.Name(), nil
}

type Process struct {
	log         *zap.SugaredLogger
	cmd         *exec.Cmd
	scriptFile  string
	gracePeriod time.Duration

	lines chan string
	// exited is closed when the process has been reaped, done when its output has also been drained.
	exited chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mut        sync.Mutex
	result     Result
	terminated bool

	terminateOnce sync.Once
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Lines returns the output of the process, one line at a time without the trailing newline.
// The channel must be drained for the process to finish.
func (p *Process) Lines() <-chan string {
	return p.lines
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Result returns the exit status. It is only meaningful after Done is closed.
func (p *Process) Result() Result {
	p.mut.Lock()
	defer p.mut.Unlock()
	res := p.result
	res.Terminated = p.terminated
	return res
}

// Terminate asks the process group to exit, escalating to SIGKILL after the grace period.
// The group is signalled until Done is closed, so children left running after the script itself
// exited are stopped too.
func (p *Process) Terminate() {
	p.terminateOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.mut.Lock()
		p.terminated = true
		p.mut.Unlock()

		pgid := p.cmd.Process.Pid
		p.log.Debugw("sending SIGTERM to process group", "PGID", pgid)
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return
			}
			p.log.Warnw("failed to send SIGTERM to process group", "PGID", pgid, "Error", err)
		}

		go func() {
			timer := time.NewTimer(p.gracePeriod)
			defer timer.Stop()
			select {
			case <-p.done:
				return
			case <-timer.C:
			}
			p.log.Debugw("grace period elapsed, sending SIGKILL to process group", "PGID", pgid)
			if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				p.log.Warnw("failed to send SIGKILL to process group", "PGID", pgid, "Error", err)
			}
		}()
	})
}

func (p *Process) readOutput(out io.ReadCloser) {
	defer p.wg.Done()
	defer close(p.lines)
	defer out.Close()

	reader := bufio.NewReader(out)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 {
			p.lines <- string(bytes.TrimRight(data, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debugw("output read error", "Error", err)
			}
			return
		}
	}
}

func (p *Process) wait(startTime time.Time) {
	defer p.wg.Done()

	err := p.cmd.Wait()
	timeMS := time.Since(startTime).Milliseconds()
	close(p.exited)

	if rmErr := os.Remove(p.scriptFile); rmErr != nil {
		p.log.Debugw("error removing script file", "File", p.scriptFile, "Error", rmErr)
	}

	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		err = nil
	}

	p.mut.Lock()
	p.result = Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		TimeMS:   timeMS,
		Err:      err,
	}
	res := p.result
	res.Terminated = p.terminated
	p.mut.Unlock()

	p.log.Debugw("process exited", "ExitCode", res.ExitCode, "Terminated", res.Terminated, "TimeMS", res.TimeMS)
}
