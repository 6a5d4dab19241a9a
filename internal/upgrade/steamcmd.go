package upgrade

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
)

// ProgressFunc receives human-readable progress. percent is negative when
// the line carries no percentage; sameLine asks the sink to overwrite the
// previous line.
type ProgressFunc func(percent float64, text string, sameLine bool)

func (f ProgressFunc) emit(percent float64, text string, sameLine bool) {
	if f != nil {
		f(percent, text, sameLine)
	}
}

func (f ProgressFunc) line(format string, args ...any) {
	f.emit(-1, fmt.Sprintf(format, args...), false)
}

// ServerJob describes one server binary install or update.
type ServerJob struct {
	InstallDir     string
	AppID          string
	Branch         string
	BranchPassword string
	Validate       bool
}

// ServerOutcome is the result of a successful ServerJob.
type ServerOutcome struct {
	// Downloaded is true when the tool reported fetching new content.
	Downloaded bool
}

// Downloader fetches server binaries and add-on packages.
type Downloader interface {
	UpdateServer(ctx context.Context, job ServerJob, progress ProgressFunc) (ServerOutcome, error)
	// DownloadPackage fetches one package into the package cache root.
	DownloadPackage(ctx context.Context, cacheRoot, appID, packageID string, progress ProgressFunc) error
}

// SteamCMDConfig configures the SteamCMD runner.
type SteamCMDConfig struct {
	Executable    string
	CaptureOutput bool
	Timeout       time.Duration // Per invocation; zero is unlimited
}

// SteamCMD runs the steamcmd executable. With CaptureOutput the success
// marker in stdout decides the outcome; without it only the exit code does.
type SteamCMD struct {
	cfg SteamCMDConfig
	log logger.Logger
}

// NewSteamCMD creates a SteamCMD runner.
func NewSteamCMD(cfg SteamCMDConfig) *SteamCMD {
	return &SteamCMD{cfg: cfg, log: logger.Log.With("component", "steamcmd")}
}

var (
	progressLine     = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) ([a-z ]+), progress: (\d+(?:\.\d+)?)`)
	serverSuccess    = "Success! App '"
	serverDownloaded = "fully installed"
	packageSuccess   = "Success. Downloaded item "
)

// UpdateServer installs or updates the server application.
func (s *SteamCMD) UpdateServer(ctx context.Context, job ServerJob, progress ProgressFunc) (ServerOutcome, error) {
	args := []string{"+force_install_dir", job.InstallDir, "+login", "anonymous", "+app_update", job.AppID}
	if job.Branch != "" {
		args = append(args, "-beta", job.Branch)
		if job.BranchPassword != "" {
			args = append(args, "-betapassword", job.BranchPassword)
		}
	}
	if job.Validate {
		args = append(args, "validate")
	}
	args = append(args, "+quit")

	var outcome ServerOutcome
	ok, err := s.run(ctx, args, progress, func(line string) bool {
		if strings.Contains(line, "downloading, progress") {
			outcome.Downloaded = true
		}
		if strings.HasPrefix(line, serverSuccess) {
			if strings.Contains(line, serverDownloaded) {
				outcome.Downloaded = true
			}
			return true
		}
		return false
	})
	if err != nil {
		return outcome, err
	}
	if !ok {
		return outcome, errors.New(errors.ErrCodeDownloadFailed, "UpdateServer", "server update did not report success", nil)
	}
	return outcome, nil
}

// DownloadPackage downloads packageID of appID into cacheRoot.
func (s *SteamCMD) DownloadPackage(ctx context.Context, cacheRoot, appID, packageID string, progress ProgressFunc) error {
	args := []string{"+force_install_dir", cacheRoot, "+login", "anonymous", "+workshop_download_item", appID, packageID, "+quit"}
	ok, err := s.run(ctx, args, progress, func(line string) bool {
		return strings.HasPrefix(line, packageSuccess+packageID)
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrCodeDownloadFailed, "DownloadPackage", "package "+packageID+" did not report success", nil)
	}
	return nil
}

// run executes the tool and reports whether it succeeded. matchSuccess is
// consulted for every captured line.
func (s *SteamCMD) run(ctx context.Context, args []string, progress ProgressFunc, matchSuccess func(string) bool) (bool, error) {
	exe, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		return false, errors.New(errors.ErrCodeDownloaderMissing, "SteamCMD", "downloader executable not found: "+s.cfg.Executable, err)
	}

	if ctx.Err() != nil {
		return false, errors.New(errors.ErrCodeCancelled, "SteamCMD", "downloader not started", errors.ErrCancelled)
	}

	runCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, exe, args...)
	cmd.WaitDelay = 5 * time.Second
	cmd.Stderr = os.Stderr

	var stdout io.ReadCloser
	if s.cfg.CaptureOutput {
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return false, errors.New(errors.ErrCodeDownloadFailed, "SteamCMD", "failed to attach stdout", err)
		}
	} else {
		cmd.Stdout = os.Stdout
	}

	s.log.Debug("Starting downloader", "exe", exe, "args", redact(args))
	if err := cmd.Start(); err != nil {
		return false, errors.New(errors.ErrCodeDownloadFailed, "SteamCMD", "failed to start downloader", err)
	}

	matched := false
	if stdout != nil {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if m := progressLine.FindStringSubmatch(line); m != nil {
				pct, _ := strconv.ParseFloat(m[2], 64)
				progress.emit(pct, fmt.Sprintf("%s %.2f%%", m[1], pct), true)
			} else {
				progress.emit(-1, line, false)
			}
			if matchSuccess(line) {
				matched = true
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return false, errors.New(errors.ErrCodeCancelled, "SteamCMD", "downloader interrupted", errors.ErrCancelled)
	}
	if runCtx.Err() != nil {
		return false, errors.New(errors.ErrCodeDownloadFailed, "SteamCMD", "downloader timed out", runCtx.Err())
	}
	if s.cfg.CaptureOutput {
		if waitErr != nil && matched {
			s.log.Warn("Downloader exited with error after reporting success", "err", waitErr)
		}
		return matched, nil
	}
	if waitErr != nil {
		return false, errors.New(errors.ErrCodeDownloadFailed, "SteamCMD", "downloader exited with error", waitErr)
	}
	return true, nil
}

func redact(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "-betapassword" {
			out[i+1] = "***"
		}
	}
	return out
}

// Personal.AI order the ending
