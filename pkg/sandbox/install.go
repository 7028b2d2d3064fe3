package sandbox

import "strings"

// ProbeFilesCommand lists the top-level entries of the working copy, one per
// line. Its output feeds DetectInstallCommand.
const ProbeFilesCommand = "ls -1A"

// ParseFileList turns ProbeFilesCommand output into a set of names.
func ParseFileList(output string) map[string]bool {
	files := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			files[name] = true
		}
	}
	return files
}

// DetectInstallCommand returns the shell command that installs project
// dependencies based on which lockfiles and manifests exist. It returns ""
// when nothing recognizable is present.
func DetectInstallCommand(existingFiles map[string]bool) string {
	switch {
	case existingFiles["bun.lockb"] || existingFiles["bun.lock"]:
		return "bun install"
	case existingFiles["pnpm-lock.yaml"]:
		return "pnpm install --frozen-lockfile"
	case existingFiles["yarn.lock"]:
		return "yarn install --frozen-lockfile"
	case existingFiles["package-lock.json"]:
		return "npm ci"
	case existingFiles["package.json"]:
		return "npm install"
	case existingFiles["go.mod"]:
		return "go mod download"
	case existingFiles["Cargo.toml"]:
		return "cargo fetch"
	case existingFiles["pyproject.toml"]:
		return "pip install -e ."
	case existingFiles["requirements.txt"]:
		return "pip install -r requirements.txt"
	}
	return ""
}
