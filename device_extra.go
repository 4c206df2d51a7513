package adb

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
)

// Process is one line of `ps` output.
type Process struct {
	User string
	Pid  int
	Name string
}

// ListProcesses runs `ps` on the device and parses its column-aligned
// output. Lines that don't have the expected number of fields are
// skipped rather than erroring, since ps output varies across Android
// versions and OEM builds.
func (d *Device) ListProcesses() ([]Process, error) {
	out, err := d.RunCommand("ps")
	if err != nil {
		return nil, err
	}

	var ps []Process
	var fieldNames []string
	bufrd := bufio.NewReader(strings.NewReader(out))
	for {
		line, _, rerr := bufrd.ReadLine()
		fields := strings.Fields(strings.TrimSpace(string(line)))
		if len(fields) == 0 || rerr == io.EOF {
			break
		}
		if fieldNames == nil {
			fieldNames = fields
			continue
		}
		if len(fields) != len(fieldNames)+1 {
			continue
		}
		var p Process
		for i, name := range fieldNames {
			switch strings.ToUpper(name) {
			case "PID":
				p.Pid, _ = strconv.Atoi(fields[i])
			case "NAME":
				p.Name = fields[len(fields)-1]
			case "USER":
				p.User = fields[i]
			}
		}
		if p.Pid == 0 {
			continue
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// findProcessByName looks up the pid of the first running process whose
// name matches leaf exactly. Used by RunCommandContext's best-effort
// cancellation instead of the earlier ps|awk pipeline, so it shares
// ListProcesses' parsing.
func (d *Device) findProcessByName(leaf string) (int, bool) {
	procs, err := d.ListProcesses()
	if err != nil {
		return 0, false
	}
	for _, p := range procs {
		if p.Name == leaf {
			return p.Pid, true
		}
	}
	return 0, false
}

var propLineRe = regexp.MustCompile(`\[(.*?)\]:\s*\[(.*?)\]`)

// Properties runs `getprop` and parses its live [key]: [value] output.
// This is distinct from BuildProperties, which reads the static
// /system/build.prop file: getprop also reflects runtime-set properties.
func (d *Device) Properties() (map[string]string, error) {
	out, err := d.RunCommand("getprop")
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, m := range propLineRe.FindAllStringSubmatch(out, -1) {
		props[m[1]] = m[2]
	}
	return props, nil
}

// ShellExitError reports that a shell command run via RunCommandWithExitCode
// completed with a nonzero exit status.
type ShellExitError struct {
	Command  string
	ExitCode int
}

func (e ShellExitError) Error() string {
	return fmt.Sprintf("shell command %q exited with status %d", e.Command, e.ExitCode)
}

// RunCommandWithExitCode runs cmd and recovers its exit status by
// appending "; echo :$?" and parsing the trailer back out of the
// output, since the shell: service has no structured way to report it.
func (d *Device) RunCommandWithExitCode(cmd string) (string, int, error) {
	out, err := d.RunCommand(cmd + "; echo :$?")
	if err != nil {
		return out, 0, err
	}
	idx := strings.LastIndexByte(out, ':')
	if idx == -1 {
		return out, 0, aerrors.Errorf(aerrors.ProtocolError, "could not parse exit code trailer from shell output")
	}
	exitCode, _ := strconv.Atoi(strings.TrimSpace(out[idx+1:]))
	body := strings.Replace(out[:idx], "\r\n", "\n", -1)
	if exitCode != 0 {
		return body, exitCode, ShellExitError{Command: cmd, ExitCode: exitCode}
	}
	return body, exitCode, nil
}
