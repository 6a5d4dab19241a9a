// Package upgrade installs and updates server binaries and add-on packages
// through an external download tool, with per-package caching.
package upgrade

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otiai10/copy"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// Target is the server an upgrade acts on.
type Target interface {
	// StopServer stops the running process, if any.
	StopServer(ctx context.Context) error
	SetStatus(status consts.ServerStatus)
	SetVersion(version string)
	// ResetPackageCheck makes the next package status check immediate.
	ResetPackageCheck()
}

// Config holds the game and tool settings shared by every upgrade.
type Config struct {
	ServerAppID      string
	BinaryPath       string // Relative to the install dir
	VersionFile      string // Relative to the install dir
	ServerCacheDir   string // Seeds fresh installs when present
	ForceWithoutMeta bool
	Packages         Layout
}

// ConfigFrom extracts the pipeline settings from the manager config.
func ConfigFrom(c *protocol.Config) Config {
	return Config{
		ServerAppID:      c.Game.ServerAppID,
		BinaryPath:       c.Game.BinaryPath,
		VersionFile:      c.Game.VersionFile,
		ServerCacheDir:   c.Downloader.ServerCacheDir,
		ForceWithoutMeta: c.Downloader.ForceWithoutMeta,
		Packages: Layout{
			CacheRoot:     c.Downloader.PackageCacheDir,
			AppID:         c.Game.PackageAppID,
			InstallSubdir: c.Game.PackageDir,
		},
	}
}

// Request describes one upgrade run.
type Request struct {
	InstallDir     string
	Branch         string
	BranchPassword string

	UpdateServer   bool
	Validate       bool
	UpdatePackages bool
	// Force downloads and copies every package regardless of timestamps.
	Force bool
	// PackageIDs overrides the profile's package set when non-empty.
	PackageIDs []string

	MapPackageID      string
	TotalConversionID string
	ServerPackageIDs  []string

	Target   Target
	Progress ProgressFunc
}

// PackageFailure records why one package did not update.
type PackageFailure struct {
	ID  string
	Err error
}

// Report is the outcome of a run.
type Report struct {
	Success    bool
	Cancelled  bool
	NewVersion bool
	Version    string
	Failures   []PackageFailure
	Err        error
}

// packageRecord carries the per-package decisions of one run.
type packageRecord struct {
	id             string
	meta           PackageDetails
	hasMeta        bool
	cacheEpoch     int64
	shouldDownload bool
	shouldCopy     bool
	hadError       bool
}

// Pipeline runs upgrades. It does not serialize runs; callers keep at most
// one run per install directory in flight.
type Pipeline struct {
	cfg  Config
	dl   Downloader
	meta MetadataSource
	now  func() time.Time
}

// New creates a Pipeline.
func New(cfg Config, dl Downloader, meta MetadataSource) *Pipeline {
	return &Pipeline{cfg: cfg, dl: dl, meta: meta, now: time.Now}
}

// Run performs the upgrade. It never returns operational errors to the
// caller other than through the Report.
func (p *Pipeline) Run(ctx context.Context, req Request) (rep Report) {
	log := logger.Log.With("component", "upgrade", "install_dir", req.InstallDir)
	progress := req.Progress
	start := p.now()

	defer func() {
		if req.Target != nil {
			req.Target.ResetPackageCheck()
			req.Target.SetStatus(consts.StatusStopped)
		}
		outcome := "success"
		switch {
		case rep.Cancelled:
			outcome = "cancelled"
		case !rep.Success:
			outcome = "failure"
		}
		monitor.UpgradeRuns.WithLabelValues(outcome).Inc()
		monitor.UpgradeDuration.Observe(time.Since(start).Seconds())
		log.Info("Upgrade finished", "outcome", outcome, "failures", len(rep.Failures))
	}()

	if !req.UpdateServer && !req.UpdatePackages {
		rep.Success = true
		return rep
	}

	if req.Target != nil {
		progress.line("Stopping server...")
		if err := req.Target.StopServer(ctx); err != nil {
			if ctx.Err() != nil {
				return cancelled(rep, progress)
			}
			rep.Err = errors.New(errors.ErrCodeStopFailed, "Upgrade", "failed to stop server", err)
			progress.line("Failed to stop server: %v", err)
			return rep
		}
		req.Target.SetStatus(consts.StatusUpdating)
	}

	if req.UpdateServer {
		if ctx.Err() != nil {
			return cancelled(rep, progress)
		}
		if err := p.updateServer(ctx, req, &rep); err != nil {
			if errors.IsCancelled(err) || ctx.Err() != nil {
				return cancelled(rep, progress)
			}
			rep.Err = err
			progress.line("Server update failed: %v", err)
			log.Error("Server update failed", "err", err)
			return rep
		}
	}

	if req.UpdatePackages {
		if ctx.Err() != nil {
			return cancelled(rep, progress)
		}
		if err := p.updatePackages(ctx, req, &rep); err != nil {
			if errors.IsCancelled(err) {
				return cancelled(rep, progress)
			}
			rep.Err = err
			progress.line("Package update failed: %v", err)
			log.Error("Package update failed", "err", err)
			return rep
		}
	}

	rep.Success = len(rep.Failures) == 0
	if rep.Success {
		progress.line("Upgrade complete.")
	} else {
		ids := make([]string, 0, len(rep.Failures))
		var agg errors.MultiError
		for _, f := range rep.Failures {
			ids = append(ids, f.ID)
			agg.Add(f.Err)
		}
		rep.Err = agg.Err()
		progress.line("Upgrade finished with failed packages: %s", strings.Join(ids, ", "))
	}
	return rep
}

func cancelled(rep Report, progress ProgressFunc) Report {
	rep.Success = false
	rep.Cancelled = true
	rep.Err = errors.ErrCancelled
	progress.line("Upgrade cancelled.")
	return rep
}

func (p *Pipeline) updateServer(ctx context.Context, req Request, rep *Report) error {
	stageStart := p.now()
	binary := filepath.Join(req.InstallDir, p.cfg.BinaryPath)

	if _, err := os.Stat(binary); err != nil && p.cfg.ServerCacheDir != "" {
		if fi, err := os.Stat(p.cfg.ServerCacheDir); err == nil && fi.IsDir() {
			req.Progress.line("Seeding new install from %s...", p.cfg.ServerCacheDir)
			if err := copy.Copy(p.cfg.ServerCacheDir, req.InstallDir); err != nil {
				return errors.New(errors.ErrCodeDownloadFailed, "UpdateServer", "failed to seed install from cache", err)
			}
		}
	}

	req.Progress.line("Updating server...")
	outcome, err := p.dl.UpdateServer(ctx, ServerJob{
		InstallDir:     req.InstallDir,
		AppID:          p.cfg.ServerAppID,
		Branch:         req.Branch,
		BranchPassword: req.BranchPassword,
		Validate:       req.Validate,
	}, req.Progress)
	if err != nil {
		return err
	}

	rep.NewVersion = outcome.Downloaded || modifiedSince(req.InstallDir, stageStart)
	if p.cfg.VersionFile != "" {
		rep.Version = readVersion(filepath.Join(req.InstallDir, p.cfg.VersionFile))
		if rep.Version != "" && req.Target != nil {
			req.Target.SetVersion(rep.Version)
		}
	}
	if rep.NewVersion {
		req.Progress.line("Server updated to version %s.", rep.Version)
	} else {
		req.Progress.line("Server is up to date.")
	}
	return nil
}

// modifiedSince reports whether any file under root changed after t.
func modifiedSince(root string, t time.Time) bool {
	found := false
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(t) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// ResolvePackageIDs returns explicit when non-empty, otherwise the map,
// total conversion and server package ids. The result is de-duplicated and
// non-numeric ids are dropped.
func ResolvePackageIDs(explicit []string, mapID, totalConversionID string, serverIDs []string) []string {
	candidates := explicit
	if len(candidates) == 0 {
		candidates = append([]string{mapID, totalConversionID}, serverIDs...)
	}
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if !validPackageID(id) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func validPackageID(id string) bool {
	if id == "" || id == "0" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p *Pipeline) updatePackages(ctx context.Context, req Request, rep *Report) error {
	ids := ResolvePackageIDs(req.PackageIDs, req.MapPackageID, req.TotalConversionID, req.ServerPackageIDs)
	if len(ids) == 0 {
		return nil
	}
	req.Progress.line("Checking %d packages...", len(ids))

	details, err := p.meta.Fetch(ctx, ids)
	if ctx.Err() != nil {
		return errors.ErrCancelled
	}
	if err != nil || len(details) == 0 {
		if !p.cfg.ForceWithoutMeta && !req.Force {
			monitor.PackageFailures.WithLabelValues("metadata").Inc()
			return errors.New(errors.ErrCodeMetadataUnavailable, "UpdatePackages", "no package metadata available", err)
		}
		logger.Log.Warn("Package metadata unavailable, forcing downloads", "err", err)
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			return errors.ErrCancelled
		}
		req.Progress.line("Package %s (%d/%d)", id, i+1, len(ids))

		rec := &packageRecord{id: id}
		rec.meta, rec.hasMeta = details[id]
		if err := p.processPackage(ctx, req, rec); err != nil {
			if errors.IsCancelled(err) || ctx.Err() != nil {
				return errors.ErrCancelled
			}
			rec.hadError = true
			rep.Failures = append(rep.Failures, PackageFailure{ID: id, Err: err})
			req.Progress.line("Package %s failed: %v", id, err)
		}
	}
	return nil
}

func (p *Pipeline) processPackage(ctx context.Context, req Request, rec *packageRecord) error {
	layout := p.cfg.Packages

	if rec.hasMeta && rec.meta.AppID != "" && layout.AppID != "" && rec.meta.AppID != layout.AppID {
		monitor.PackageFailures.WithLabelValues("rejected").Inc()
		return errors.New(errors.ErrCodePackageRejected, "UpdatePackages",
			"package "+rec.id+" belongs to app "+rec.meta.AppID, nil)
	}

	rec.cacheEpoch = ReadMarker(layout.CacheMarker(rec.id))
	rec.shouldDownload = req.Force ||
		(!rec.hasMeta && p.cfg.ForceWithoutMeta) ||
		(rec.hasMeta && rec.meta.TimeUpdated > 0 && rec.meta.TimeUpdated > rec.cacheEpoch) ||
		rec.cacheEpoch <= 0

	if rec.shouldDownload {
		if err := p.dl.DownloadPackage(ctx, layout.CacheRoot, layout.AppID, rec.id, req.Progress); err != nil {
			monitor.PackageFailures.WithLabelValues("download").Inc()
			return err
		}
		if ctx.Err() != nil {
			return errors.ErrCancelled
		}
		epoch := rec.meta.TimeUpdated
		if epoch <= 0 {
			epoch = p.now().Unix()
		}
		if err := WriteMarker(layout.CacheMarker(rec.id), epoch); err != nil {
			monitor.PackageFailures.WithLabelValues("marker").Inc()
			return err
		}
		rec.cacheEpoch = epoch
	}

	installEpoch := ReadMarker(layout.InstallMarker(req.InstallDir, rec.id))
	rec.shouldCopy = req.Force || installEpoch <= 0 || installEpoch < rec.cacheEpoch
	if !rec.shouldCopy {
		req.Progress.line("Package %s is up to date.", rec.id)
		return nil
	}
	if ctx.Err() != nil {
		return errors.ErrCancelled
	}

	src := layout.CacheDir(rec.id)
	dst := layout.InstallDir(req.InstallDir, rec.id)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		monitor.PackageFailures.WithLabelValues("copy").Inc()
		return errors.New(errors.ErrCodePackageCopyFailed, "UpdatePackages", "cached package "+rec.id+" is missing", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		monitor.PackageFailures.WithLabelValues("copy").Inc()
		return errors.New(errors.ErrCodePackageCopyFailed, "UpdatePackages", "failed to clear "+dst, err)
	}
	if err := copy.Copy(src, dst); err != nil {
		monitor.PackageFailures.WithLabelValues("copy").Inc()
		return errors.New(errors.ErrCodePackageCopyFailed, "UpdatePackages", "failed to copy package "+rec.id, err)
	}
	if err := WriteMarker(layout.InstallMarker(req.InstallDir, rec.id), rec.cacheEpoch); err != nil {
		monitor.PackageFailures.WithLabelValues("marker").Inc()
		return err
	}
	req.Progress.line("Package %s installed.", rec.id)
	return nil
}

// Personal.AI order the ending
