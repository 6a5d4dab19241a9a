package upgrade

import "context"

// PackageStatus summarizes how current a server's installed packages are.
type PackageStatus struct {
	Total     int
	OutOfDate int
	// Stale lists the ids counted in OutOfDate.
	Stale []string
}

// Checker compares installed package markers with remote metadata.
type Checker struct {
	layout Layout
	meta   MetadataSource
}

// NewChecker creates a Checker.
func NewChecker(layout Layout, meta MetadataSource) *Checker {
	return &Checker{layout: layout, meta: meta}
}

// Check reports the package status of the install at installDir. A package
// is out of date when it was never installed or the remote copy is newer.
func (c *Checker) Check(ctx context.Context, installDir string, ids []string) (PackageStatus, error) {
	st := PackageStatus{Total: len(ids)}
	if len(ids) == 0 {
		return st, nil
	}

	details, err := c.meta.Fetch(ctx, ids)
	if err != nil {
		return st, err
	}
	for _, id := range ids {
		installed := ReadMarker(c.layout.InstallMarker(installDir, id))
		meta, ok := details[id]
		if installed <= 0 || (ok && meta.TimeUpdated > installed) {
			st.OutOfDate++
			st.Stale = append(st.Stale, id)
		}
	}
	return st, nil
}

// Personal.AI order the ending
