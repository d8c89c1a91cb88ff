package version

// Set at build time through -ldflags "-X .../pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return Version + " (commit " + GitCommit + ", built " + BuildTime + ")"
}
