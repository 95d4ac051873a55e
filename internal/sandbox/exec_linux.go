//go:build linux

package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// sandboxUID is the identity a stage sees inside its user namespace. It
// maps to the environment's subordinate pair on the host; uid/gid 0 is
// never mapped on either side.
const (
	sandboxUID = 1000
	sandboxGID = 1000
)

var defaultStageEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
}

// ProcessExecutor runs stages as real child processes inside the
// environment's cgroup leaf and a fresh set of namespaces.
type ProcessExecutor struct {
	// CaptureBytes bounds the retained stdout/stderr per stream.
	CaptureBytes int64
}

func NewProcessExecutor(captureBytes int64) *ProcessExecutor {
	return &ProcessExecutor{CaptureBytes: captureBytes}
}

func (x *ProcessExecutor) ExecStage(ctx context.Context, env *Environment, stage StageSpec, limits ResourceLimits, acct *Accounting) (StageResult, error) {
	stdout := newBoundedBuffer(x.CaptureBytes)
	stderr := newBoundedBuffer(x.CaptureBytes)

	cmd := exec.CommandContext(ctx, stage.Command[0], stage.Command[1:]...)
	cmd.Dir = env.Scratch
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(append([]string{}, defaultStageEnv...), stage.Env...)

	if stage.Stdin != "" {
		in, err := os.Open(filepath.Join(env.Scratch, filepath.Clean("/"+stage.Stdin)))
		if err != nil {
			return StageResult{}, &EnvironmentError{RequestID: env.RequestID, Op: "open_stdin", Err: err}
		}
		defer in.Close()
		cmd.Stdin = in
	}

	// The child is cloned straight into the leaf so not a single
	// instruction of untrusted code runs outside the cgroup.
	cgfd, err := unix.Open(env.Cgroup().Path(), unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return StageResult{}, &EnvironmentError{RequestID: env.RequestID, Op: "open_cgroup", Err: err}
	}
	defer unix.Close(cgfd)

	cmd.SysProcAttr = stageSysProcAttr(env.IDs, cgfd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return StageResult{}, &EnvironmentError{RequestID: env.RequestID, Op: "start_stage", Err: err}
	}
	applyRlimits(cmd.Process.Pid, limits)

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := StageResult{
		Stage:      stage.Kind,
		Duration:   duration,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		PeakMemory: peakMemory(env, cmd.ProcessState),
	}
	res.ExitCode, res.Signal = exitStatus(waitErr, cmd.ProcessState)
	acct.NoteOutput(stdout.Total() + stderr.Total())
	return res, nil
}

// stageSysProcAttr builds the namespace and cgroup placement for one
// stage: new user, mount, pid, ipc, uts and net namespaces, with the
// in-namespace identity mapped onto the environment's subordinate pair.
func stageSysProcAttr(ids IDPair, cgroupFD int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:     true,
		Pdeathsig:   syscall.SIGKILL,
		UseCgroupFD: true,
		CgroupFD:    cgroupFD,
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS |
			syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWUTS | syscall.CLONE_NEWNET,
		GidMappingsEnableSetgroups: false,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: sandboxUID,
			HostID:      int(ids.UID),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: sandboxGID,
			HostID:      int(ids.GID),
			Size:        1,
		}},
		Credential: &syscall.Credential{
			Uid: sandboxUID,
			Gid: sandboxGID,
		},
	}
}

// applyRlimits sets per-process ceilings the cgroup controllers do not
// cover. Best effort: the cgroup pids/memory limits remain the hard
// backstop.
func applyRlimits(pid int, limits ResourceLimits) {
	set := func(resource int, value int64) {
		if value <= 0 {
			return
		}
		lim := unix.Rlimit{Cur: uint64(value), Max: uint64(value)}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			log.Debug().Int("pid", pid).Int("resource", resource).Err(err).Msg("prlimit skipped")
		}
	}
	set(unix.RLIMIT_NOFILE, limits.MaxOpenFiles)
	set(unix.RLIMIT_FSIZE, limits.MaxOutputSize)
	set(unix.RLIMIT_CORE, 0)
}

func exitStatus(waitErr error, state *os.ProcessState) (code, signal int) {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, int(ws.Signal())
		}
		return state.ExitCode(), 0
	}
	if waitErr == nil {
		return 0, 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), 0
	}
	return -1, 0
}

func peakMemory(env *Environment, state *os.ProcessState) int64 {
	if peak, err := env.Cgroup().MemoryPeak(); err == nil && peak > 0 {
		return peak
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss << 10 // ru_maxrss is KiB
	}
	return 0
}

var _ StageExecutor = (*ProcessExecutor)(nil)
