package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tool names accepted by the toolbox.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolListFiles = "list_files"
	ToolSearch    = "search"
	ToolShell     = "shell"
)

// Policy bounds what tools may touch. All file access stays under WorkDir.
type Policy struct {
	WorkDir       string
	AllowShell    bool
	ShellTimeout  time.Duration
	MaxToolOutput int
}

// Toolbox dispatches tool invocations under a Policy.
type Toolbox struct {
	policy Policy
	table  map[string]func(ctx context.Context, input string) (string, error)
}

// NewToolbox builds the tool dispatch table. Zero policy fields get safe
// defaults: current directory, 60s shell timeout, 64KB output cap.
func NewToolbox(policy Policy) *Toolbox {
	if policy.WorkDir == "" {
		policy.WorkDir = "."
	}
	if policy.ShellTimeout <= 0 {
		policy.ShellTimeout = 60 * time.Second
	}
	if policy.MaxToolOutput <= 0 {
		policy.MaxToolOutput = 64 * 1024
	}

	tb := &Toolbox{policy: policy}
	tb.table = map[string]func(ctx context.Context, input string) (string, error){
		ToolReadFile:  tb.readFile,
		ToolWriteFile: tb.writeFile,
		ToolListFiles: tb.listFiles,
		ToolSearch:    tb.search,
		ToolShell:     tb.shell,
	}
	return tb
}

// Names returns the available tool names, sorted.
func (tb *Toolbox) Names() []string {
	names := make([]string, 0, len(tb.table))
	for name := range tb.table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one named tool. Unknown names are an error, not a panic.
func (tb *Toolbox) Invoke(ctx context.Context, name, input string) (string, error) {
	fn, ok := tb.table[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	out, err := fn(ctx, input)
	if err != nil {
		return "", err
	}
	return tb.cap(out), nil
}

// resolve confines a user-supplied path to the workdir.
func (tb *Toolbox) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is empty")
	}
	root, err := filepath.Abs(tb.policy.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	joined := filepath.Join(root, filepath.Clean("/"+rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the work directory", rel)
	}
	return joined, nil
}

func (tb *Toolbox) readFile(_ context.Context, input string) (string, error) {
	path, err := tb.resolve(input)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", input, err)
	}
	return string(data), nil
}

// writeFile takes "path" or "path\x00content". The NUL split keeps content
// with embedded spaces intact.
func (tb *Toolbox) writeFile(_ context.Context, input string) (string, error) {
	name, content, _ := strings.Cut(input, "\x00")
	path, err := tb.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), name), nil
}

func (tb *Toolbox) listFiles(_ context.Context, input string) (string, error) {
	if input == "" {
		input = "."
	}
	path, err := tb.resolve(input)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", input, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// search scans regular files under the workdir for lines containing the
// term, case insensitive. Hidden directories are skipped.
func (tb *Toolbox) search(ctx context.Context, input string) (string, error) {
	term := strings.ToLower(strings.TrimSpace(input))
	if term == "" {
		return "", fmt.Errorf("search term is empty")
	}
	root, err := filepath.Abs(tb.policy.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}

	var hits []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, _ := filepath.Rel(root, path)
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if strings.Contains(strings.ToLower(scanner.Text()), term) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(scanner.Text())))
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return fmt.Sprintf("no matches for %q", input), nil
	}
	return strings.Join(hits, "\n"), nil
}

func (tb *Toolbox) shell(ctx context.Context, input string) (string, error) {
	if !tb.policy.AllowShell {
		return "", fmt.Errorf("shell tool is disabled by policy")
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("shell command is empty")
	}

	cctx, cancel := context.WithTimeout(ctx, tb.policy.ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", input)
	cmd.Dir = tb.policy.WorkDir
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", tb.policy.ShellTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (tb *Toolbox) cap(s string) string {
	if len(s) <= tb.policy.MaxToolOutput {
		return s
	}
	return s[:tb.policy.MaxToolOutput] + "\n[output truncated]"
}
