// Package containerdriver wraps the configured container engine (docker or
// podman) as a subprocess adapter: the run/build/hash/exec operations are
// all invocations of the engine's CLI, never the engine's API directly.
package containerdriver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/types"
	"golang.org/x/sync/errgroup"
)

// Engine names the two supported container engines.
type Engine string

const (
	Docker Engine = "docker"
	Podman Engine = "podman"
)

// Commander runs a subprocess and streams its stdout/stderr. It is the seam
// tests substitute to avoid shelling out to a real engine.
type Commander interface {
	Run(ctx context.Context, name string, args []string, env map[string]string, stdin io.Reader, stdout, stderr io.Writer) error
}

// execCommander is the real Commander, backed by os/exec.
type execCommander struct{}

func (execCommander) Run(ctx context.Context, name string, args []string, env map[string]string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Driver invokes engine subcommands to manage runtime images and run worker
// containers.
type Driver struct {
	engine    Engine
	commander Commander
}

// New constructs a Driver for the named engine ("docker" or "podman").
func New(engine string, commander Commander) (*Driver, error) {
	e := Engine(engine)
	if e != Docker && e != Podman {
		return nil, fmt.Errorf("unsupported container engine %q: %w", engine, corerr.ErrConfiguration)
	}
	if commander == nil {
		commander = execCommander{}
	}
	return &Driver{engine: e, commander: commander}, nil
}

// runtimeEnv is set on every engine invocation to keep build/run output in
// plain buildkit progress mode and a UTF-8 locale, so it stays stable and
// parseable.
func (d *Driver) runtimeEnv() map[string]string {
	return map[string]string{
		"BUILDKIT_PROGRESS": "plain",
		"LANG":              "C.UTF-8",
		"LC_ALL":            "C.UTF-8",
	}
}

// exec runs one engine invocation, classifying the failure when one occurs.
func (d *Driver) exec(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	var outW, errW io.Writer = &outBuf, &errBuf

	g, gctx := errgroup.WithContext(ctx)
	outPr, outPw := io.Pipe()
	errPr, errPw := io.Pipe()
	g.Go(func() error { _, copyErr := io.Copy(outW, outPr); return copyErr })
	g.Go(func() error { _, copyErr := io.Copy(errW, errPr); return copyErr })

	runErr := d.commander.Run(gctx, string(d.engine), args, d.runtimeEnv(), stdin, outPw, errPw)
	outPw.Close()
	errPw.Close()
	_ = g.Wait()

	stdout = outBuf.Bytes()
	stderr = errBuf.Bytes()

	if runErr != nil {
		combined := strings.ToLower(string(stderr))
		if strings.Contains(combined, "cannot connect to") && strings.Contains(combined, "daemon") {
			return stdout, stderr, fmt.Errorf("%s daemon unreachable: %w", d.engine, corerr.ErrEngineUnreachable)
		}
		return stdout, stderr, fmt.Errorf("%s %s: %s: %w", d.engine, strings.Join(args, " "), strings.TrimSpace(string(stderr)), corerr.ErrEngineFailure)
	}
	return stdout, stderr, nil
}

// ImageExists queries the engine for the image's creation timestamp and
// compares it to the Dockerfile's mtime.
func (d *Driver) ImageExists(ctx context.Context, tag, dockerfilePath string) (types.ImagePresence, error) {
	image := RuntimeImageName(tag)
	stdout, _, err := d.exec(ctx, []string{"inspect", "--format", "{{.Created}}", image}, nil)
	if err != nil {
		if errors.Is(err, corerr.ErrEngineUnreachable) {
			return types.ImageAbsent, err
		}
		return types.ImageAbsent, nil
	}

	created, err := parseEngineTimestamp(strings.TrimSpace(string(stdout)))
	if err != nil {
		return types.ImageAbsent, fmt.Errorf("parsing image creation time for %s: %w", image, err)
	}

	info, err := os.Stat(dockerfilePath)
	if err != nil {
		return types.ImageAbsent, fmt.Errorf("statting dockerfile %s: %w", dockerfilePath, err)
	}

	if created.Before(info.ModTime()) {
		return types.ImageOutdated, nil
	}
	return types.ImagePresent, nil
}

// parseEngineTimestamp accepts the ISO-8601 variants docker/podman emit:
// with or without fractional seconds, with or without a trailing Z.
func parseEngineTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// Build invokes buildx to (re)build the runtime image from scratch.
func (d *Driver) Build(ctx context.Context, tag, dockerfilePath, contextDir string) error {
	image := RuntimeImageName(tag)
	args := []string{
		"buildx", "build",
		"--no-cache",
		"--platform", "linux/amd64",
		"-t", image,
		"-f", dockerfilePath,
		contextDir,
	}
	_, _, err := d.exec(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("building %s: %w: %w", image, err, corerr.ErrBuildFailed)
	}
	return nil
}

// RunOpts configures a single `run` invocation.
type RunOpts struct {
	Image       string
	Command     string
	Args        []string
	Volumes     map[string]string // host path -> container path
	ExtraFlags  []string
	PrintOutput bool
}

// userMappingFlags returns the engine-specific user-mapping flag: a UID:GID
// pairing on Docker, keep-id on Podman.
func (d *Driver) userMappingFlags() []string {
	if d.engine == Podman {
		return []string{"--userns=keep-id"}
	}
	return []string{"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())}
}

// Run executes the runtime image with the given command, tee-ing stdout and
// stderr to os.Stdout/os.Stderr when PrintOutput is set while also returning
// them captured.
func (d *Driver) Run(ctx context.Context, opts RunOpts) (stdout, stderr []byte, err error) {
	args := []string{"run", "--rm", "-it"}
	for host, container := range opts.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", host, container))
	}
	args = append(args, d.userMappingFlags()...)
	args = append(args, "--platform", "linux/amd64")
	args = append(args, opts.ExtraFlags...)
	args = append(args, RuntimeImageName(opts.Image), opts.Command)
	args = append(args, opts.Args...)

	if !opts.PrintOutput {
		stdout, stderr, err = d.exec(ctx, args, os.Stdin)
		return stdout, stderr, err
	}
	return d.execTee(ctx, args)
}

// execTee is like exec but additionally forwards output live to the
// process's own stdout/stderr while capturing it.
func (d *Driver) execTee(ctx context.Context, args []string) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	g, gctx := errgroup.WithContext(ctx)
	outPr, outPw := io.Pipe()
	errPr, errPw := io.Pipe()
	g.Go(func() error { return teeLines(outPr, os.Stdout, &outBuf) })
	g.Go(func() error { return teeLines(errPr, os.Stderr, &errBuf) })

	runErr := d.commander.Run(gctx, string(d.engine), args, d.runtimeEnv(), os.Stdin, outPw, errPw)
	outPw.Close()
	errPw.Close()
	_ = g.Wait()

	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	if runErr != nil {
		return stdout, stderr, fmt.Errorf("%s %s: %w", d.engine, strings.Join(args, " "), corerr.ErrEngineFailure)
	}
	return stdout, stderr, nil
}

func teeLines(r io.Reader, live io.Writer, capture *bytes.Buffer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		capture.Write(line)
		capture.WriteByte('\n')
		fmt.Fprintln(live, string(line))
	}
	return scanner.Err()
}

// InstallPackages mounts the requirements file and env dir and runs the
// runtime's /install_packages.sh.
func (d *Driver) InstallPackages(ctx context.Context, image, reqsFile, envDir string) error {
	_, stderr, err := d.Run(ctx, RunOpts{
		Image:   image,
		Command: "/install_packages.sh",
		Volumes: map[string]string{
			reqsFile: "/deploy/requirements.txt",
			envDir:   "/env",
		},
	})
	if err != nil {
		return fmt.Errorf("installing packages: %s: %w", strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

// InstallMode selects which input install_packages mounts as the package
// manifest ("requirements" or "packages_list").
type InstallMode string

const (
	FromRequirementsFile InstallMode = "requirements"
	FromPackagesList     InstallMode = "packages_list"
)

// InstallFromRequirements mounts a requirements.txt-style file and installs
// from it.
func (d *Driver) InstallFromRequirements(ctx context.Context, image, reqsFile, envDir string) error {
	return d.installWithMode(ctx, image, reqsFile, envDir, FromRequirementsFile)
}

// InstallFromPackagesList mounts a plain newline-delimited package list and
// installs from it.
func (d *Driver) InstallFromPackagesList(ctx context.Context, image, packagesFile, envDir string) error {
	return d.installWithMode(ctx, image, packagesFile, envDir, FromPackagesList)
}

func (d *Driver) installWithMode(ctx context.Context, image, inputFile, envDir string, mode InstallMode) error {
	_, stderr, err := d.Run(ctx, RunOpts{
		Image:   image,
		Command: "/install_packages.sh",
		Args:    []string{string(mode)},
		Volumes: map[string]string{
			inputFile: "/deploy/requirements.txt",
			envDir:    "/env",
		},
	})
	if err != nil {
		return fmt.Errorf("installing packages (%s): %s: %w", mode, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

// GenerateHash runs the runtime's /gen_hash.sh and parses its two
// DATALLOG_*_HASH= lines.
func (d *Driver) GenerateHash(ctx context.Context, image, envDir, deployDir string) (types.BuildCacheKeys, error) {
	stdout, stderr, err := d.Run(ctx, RunOpts{
		Image:   image,
		Command: "/gen_hash.sh",
		Volumes: map[string]string{
			envDir:    "/env",
			deployDir: "/deploy",
		},
	})
	if err != nil {
		return types.BuildCacheKeys{}, fmt.Errorf("generating build-cache hashes: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	var keys types.BuildCacheKeys
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "DATALLOG_REQUIREMENTS_HASH="):
			keys.RequirementsHash = strings.TrimPrefix(line, "DATALLOG_REQUIREMENTS_HASH=")
		case strings.HasPrefix(line, "DATALLOG_APP_HASH="):
			keys.ApplicationHash = strings.TrimPrefix(line, "DATALLOG_APP_HASH=")
		}
	}
	if keys.RequirementsHash == "" || keys.ApplicationHash == "" {
		return types.BuildCacheKeys{}, fmt.Errorf("gen_hash.sh did not emit both hash lines: %w", corerr.ErrEngineFailure)
	}
	return keys, nil
}

// RunApp mounts env, deploy, the host socket, and optionally a logs
// directory, then invokes the in-container worker module with its id.
func (d *Driver) RunApp(ctx context.Context, image, envDir, deployDir, socketPath string, workerID int, logToDir *string) error {
	volumes := map[string]string{
		envDir:     "/env",
		deployDir:  "/deploy",
		socketPath: "/tmp/datallog_worker.sock",
	}
	if logToDir != nil {
		volumes[*logToDir] = "/logs"
	}

	_, stderr, err := d.Run(ctx, RunOpts{
		Image:       image,
		Command:     "python",
		Args:        []string{"-m", "datallog_worker", strconv.Itoa(workerID)},
		Volumes:     volumes,
		ExtraFlags:  []string{"-w", "/deploy"},
		PrintOutput: true,
	})
	if err != nil {
		return fmt.Errorf("running worker %d: %s: %w", workerID, strings.TrimSpace(string(stderr)), corerr.ErrWorkerFailed)
	}
	return nil
}

// GenerateBuild runs the in-container build-manifest generator, which
// writes its JSON output to a temp file mounted into the container, and
// decodes it into a BuildManifest.
func (d *Driver) GenerateBuild(ctx context.Context, image, deployDir, envDir string) (types.BuildManifest, error) {
	manifestFile, err := os.CreateTemp("", "datallog-build-manifest-*.json")
	if err != nil {
		return types.BuildManifest{}, fmt.Errorf("creating manifest temp file: %w", err)
	}
	manifestPath := manifestFile.Name()
	manifestFile.Close()
	defer os.Remove(manifestPath)

	_, stderr, err := d.Run(ctx, RunOpts{
		Image:   image,
		Command: "/generate_build.sh",
		Volumes: map[string]string{
			deployDir:    "/deploy",
			envDir:       "/env",
			manifestPath: "/tmp/build_manifest.json",
		},
	})
	if err != nil {
		return types.BuildManifest{}, fmt.Errorf("generating build manifest: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return types.BuildManifest{}, fmt.Errorf("reading build manifest: %w", err)
	}

	var manifest types.BuildManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return types.BuildManifest{}, fmt.Errorf("decoding build manifest: %w", err)
	}
	if len(manifest.Steps) == 0 {
		return types.BuildManifest{}, fmt.Errorf("build manifest declares no steps: %w", corerr.ErrConfiguration)
	}
	return manifest, nil
}

// RuntimeImageName builds the tagged image name the engine is asked for.
func RuntimeImageName(tag string) string {
	return "datallog-runtime-" + tag
}
