// Package preflight provides startup validation checks for the worker's
// server directory.
package preflight

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name    string // Name of the check
	Passed  bool   // Whether the check passed
	Warning bool   // True if it's a warning (non-fatal)
	Message string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Get returns the named check, or false if it was not run.
func (r *Result) Get(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Warnings returns the checks that passed with a warning.
func (r *Result) Warnings() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Passed && c.Warning {
			out = append(out, c)
		}
	}
	return out
}

// RunAll executes all preflight checks against the host filesystem.
func RunAll(serverDir, exeName, helperName string) *Result {
	return RunAllFs(afero.NewOsFs(), serverDir, exeName, helperName)
}

// RunAllFs executes all preflight checks against fs.
func RunAllFs(fs afero.Fs, serverDir, exeName, helperName string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	dirCheck := checkServerDir(fs, serverDir)
	add(dirCheck)
	if !dirCheck.Passed {
		// Nothing else can be checked without the directory
		return result
	}

	add(checkWritable(fs, serverDir))
	add(checkExecutable(fs, filepath.Join(serverDir, exeName)))

	// Missing helper is a warning only
	add(checkHelper(fs, filepath.Join(serverDir, helperName)))

	return result
}

// checkServerDir verifies the server directory exists.
func checkServerDir(fs afero.Fs, dir string) Check {
	ok, err := afero.IsDir(fs, dir)
	if err != nil || !ok {
		msg := fmt.Sprintf("%s is not a directory", dir)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", dir, err)
		}
		return Check{Name: "server_dir", Passed: false, Message: msg}
	}
	return Check{Name: "server_dir", Passed: true, Message: dir}
}

// checkWritable verifies command files can be staged into dir.
func checkWritable(fs afero.Fs, dir string) Check {
	f, err := afero.TempFile(fs, dir, ".nboserve-preflight-*")
	if err != nil {
		return Check{
			Name:    "server_dir_writable",
			Passed:  false,
			Message: fmt.Sprintf("cannot write to %s: %v", dir, err),
		}
	}
	name := f.Name()
	f.Close()
	fs.Remove(name)

	return Check{Name: "server_dir_writable", Passed: true, Message: "command files can be staged"}
}

// checkExecutable verifies the worker executable is present and runnable.
func checkExecutable(fs afero.Fs, path string) Check {
	info, err := fs.Stat(path)
	if err != nil {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	if info.IsDir() {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("%s is a directory", path),
		}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("%s is not executable (mode %v)", path, info.Mode().Perm()),
		}
	}
	return Check{
		Name:    "executable",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkHelper looks for the auxiliary helper script.
func checkHelper(fs afero.Fs, path string) Check {
	ok, err := afero.Exists(fs, path)
	if err != nil || !ok {
		return Check{
			Name:    "helper",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not found; output generation from the worker may fail", filepath.Base(path)),
		}
	}
	return Check{Name: "helper", Passed: true, Message: fmt.Sprintf("found at %s", path)}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "server_dir":
		return "pass -server-dir pointing at the NBOServe installation"
	case "server_dir_writable":
		return "make the server directory writable by this user"
	case "executable":
		return "check -exe and the file permissions (chmod +x NBOServe)"
	case "helper":
		return "copy the gennbo helper from the NBO distribution into the server directory"
	default:
		return "see documentation"
	}
}
