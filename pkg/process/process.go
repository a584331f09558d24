/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
)

// Pid_t is a process ID as reported by the operating system.
type Pid_t int64

const (
	// UnknownPID is used when the process has not been started or its ID is not known.
	UnknownPID Pid_t = -1
)

// Essentially the same as ps.ErrorProcessNotRunning, but we do not want to
// expose the ps package outside of this package.
var ErrorProcessNotFound = errors.New("process does not exist")

func init() {
	ps.EnableBootTimeCache(true)
}

func IntToPidT(val int) (Pid_t, error) {
	if val < 0 || int64(val) > math.MaxUint32 {
		return UnknownPID, fmt.Errorf("value %d is out of range of valid process ID values", val)
	}
	return Pid_t(val), nil
}

func StringToPidT(val string) (Pid_t, error) {
	u64val, parseErr := strconv.ParseUint(val, 10, 32)
	if parseErr != nil {
		return UnknownPID, parseErr
	}
	return Pid_t(u64val), nil
}

func findPsProcess(pid Pid_t) (*ps.Process, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrorProcessNotFound)
	}

	proc, procErr := ps.NewProcess(int32(pid))
	if procErr != nil {
		if errors.Is(procErr, ps.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrorProcessNotFound)
		}
		return nil, procErr
	}

	return proc, nil
}

// IsRunning returns true if a process with the given ID exists and has not exited.
func IsRunning(pid Pid_t) bool {
	proc, findErr := findPsProcess(pid)
	if findErr != nil {
		return false
	}

	running, runningErr := proc.IsRunning()
	if runningErr != nil || !running {
		return false
	}

	// Zombies still have a process table entry but will never run again.
	statuses, statusErr := proc.Status()
	if statusErr == nil {
		for _, s := range statuses {
			if s == ps.Zombie {
				return false
			}
		}
	}

	return true
}

// Returns the creation time as a time.Time for a process.
// This time is intended for display purposes only.
func StartTimeForProcess(pid Pid_t) time.Time {
	proc, findErr := findPsProcess(pid)
	if findErr != nil {
		return time.Time{}
	}

	createTimestamp, err := proc.CreateTime()
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(createTimestamp)
}

// Returns the list of IDs for a given process and its children.
// The list is ordered starting with the root of the hierarchy, then the children, then the grandchildren etc.
func GetProcessTree(rootPid Pid_t) ([]Pid_t, error) {
	root, err := findPsProcess(rootPid)
	if err != nil {
		return nil, err
	}

	tree := []Pid_t{}
	next := []*ps.Process{root}

	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		tree = append(tree, Pid_t(current.Pid))

		children, childrenErr := current.Children()
		if childrenErr != nil && !errors.Is(childrenErr, ps.ErrorNoChildren) {
			return tree, childrenErr
		}
		next = append(next, children...)
	}

	return tree, nil
}

// KillTree kills the process and all of its descendants, children first.
// Processes that exit on their own in the meantime are not treated as errors.
func KillTree(pid Pid_t) error {
	tree, treeErr := GetProcessTree(pid)
	if treeErr != nil && len(tree) == 0 {
		if errors.Is(treeErr, ErrorProcessNotFound) {
			return nil
		}
		return treeErr
	}

	var errs []error
	for i := len(tree) - 1; i >= 0; i-- {
		proc, findErr := findPsProcess(tree[i])
		if findErr != nil {
			continue
		}
		if killErr := proc.Kill(); killErr != nil && !errors.Is(killErr, ps.ErrorProcessNotRunning) && !errors.Is(killErr, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", tree[i], killErr))
		}
	}
	return errors.Join(errs...)
}

// Checks if the error is associated with early exit of a process, which is often expected.
func IsEarlyProcessExitError(err error) bool {
	if err == nil {
		return false
	}

	var ee *exec.ExitError
	if errors.Is(err, os.ErrProcessDone) || errors.As(err, &ee) {
		return true
	}

	// Receiving ECHILD when calling wait() on the child process is expected,
	// (the parent process might have terminated them).
	return errors.Is(err, syscall.ECHILD)
}
