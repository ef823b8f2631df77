package compute

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/neurostuff/compose-runner/internal/apperr"
)

// File names inside a job's working directory.
const (
	RequestFilename  = "request.json"
	ManifestFilename = "manifest.json"
	OutputDirname    = "output"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

// Option configures a Command.
type Option func(*Command)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Command) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger sets the logger that receives the command's output lines.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Command runs the analysis as an external process.
type Command struct {
	binary string
	args   []string
	exec   Executor
	logger *slog.Logger
}

// manifest is written by the compute command into its output directory.
type manifest struct {
	Maps        []string `json:"maps"`
	Tables      []string `json:"tables"`
	Description string   `json:"description"`
}

// NewCommand creates a compute workflow from a command line such as
// "nimare-compose" or "python -m compose_runner.compute".
func NewCommand(commandLine string, opts ...Option) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("compute command required")
	}
	c := &Command{
		binary: fields[0],
		args:   fields[1:],
		exec:   commandExecutor{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run writes the request document into workDir, runs the command and collects
// the artifacts listed in its manifest.
func (c *Command) Run(ctx context.Context, req *Request, workDir string) (*Result, error) {
	res, err := c.run(ctx, req, workDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCompute, "compute", "compute step failed", err)
	}
	return res, nil
}

func (c *Command) run(ctx context.Context, req *Request, workDir string) (*Result, error) {
	if workDir == "" {
		return nil, errors.New("work directory required")
	}
	outDir := filepath.Join(workDir, OutputDirname)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	reqPath := filepath.Join(workDir, RequestFilename)
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	args := append([]string{}, c.args...)
	args = append(args, "--request", reqPath, "--output", outDir)
	if req.NCores > 0 {
		args = append(args, "--n-cores", strconv.Itoa(req.NCores))
	}

	c.logger.Info("compute.started", "meta_analysis_id", req.MetaAnalysisID, "binary", c.binary)
	if err := c.exec.Run(ctx, c.binary, args, func(line string) {
		c.logger.Debug("compute.output", "meta_analysis_id", req.MetaAnalysisID, "line", line)
		if req.OnOutput != nil {
			req.OnOutput(line)
		}
	}); err != nil {
		return nil, fmt.Errorf("run %s: %w", c.binary, err)
	}

	return readManifest(outDir)
}

func readManifest(outDir string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(outDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	res := &Result{Description: m.Description}
	for _, name := range m.Maps {
		a, err := artifact(outDir, name, KindStatisticalMap)
		if err != nil {
			return nil, err
		}
		res.Maps = append(res.Maps, a)
	}
	for _, name := range m.Tables {
		a, err := artifact(outDir, name, TableKind(filepath.Base(name)))
		if err != nil {
			return nil, err
		}
		res.Tables = append(res.Tables, a)
	}
	return res, nil
}

func artifact(outDir, name, kind string) (Artifact, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(outDir, name)
	}
	if _, err := os.Stat(path); err != nil {
		return Artifact{}, fmt.Errorf("artifact %s: %w", name, err)
	}
	return Artifact{Name: filepath.Base(name), Kind: kind, Path: path}, nil
}

// maxOutputLine bounds a single line of compute output.
const maxOutputLine = 1 << 20

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var tail []string
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if onOutput != nil {
				onOutput(line)
			}
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
				_ = cmd.Process.Kill()
			})
			// Keep draining so the other stream and Wait cannot block.
			_, _ = io.Copy(io.Discard, r)
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	if scanErr != nil {
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if waitErr != nil {
		if len(tail) > 0 {
			return fmt.Errorf("%w: %s", waitErr, strings.Join(tail, "\n"))
		}
		return waitErr
	}
	return nil
}
