// Package version reports what build of conductord is running. The commit
// comes from -ldflags when set, from the VCS stamp in debug.BuildInfo
// otherwise, and degrades to "dev" for test binaries and non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings.
const AppName = "conductord"

// gitCommitOverride is injected with
// -ldflags "-X .../pkg/version.gitCommitOverride=<sha>" in container
// builds, where the .git directory is not part of the build context.
var gitCommitOverride string

// GitCommit is the short commit hash identifying this build.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "conductord/<commit>", the form logged at startup and
// reported by the health endpoint.
func Full() string {
	return AppName + "/" + GitCommit
}
