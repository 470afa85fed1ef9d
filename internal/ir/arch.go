package ir

// Architecture names a target instruction set. The values match the strings
// used by the CLI and the YAML descriptions.
type Architecture string

const (
	ArchitectureInvalid Architecture = ""
	ArchitectureX86_64  Architecture = "x86_64"
	ArchitectureARM64   Architecture = "arm64"
)

func (a Architecture) String() string {
	if a == ArchitectureInvalid {
		return "invalid"
	}
	return string(a)
}

// ParseArchitecture accepts the canonical names plus the Go toolchain aliases.
func ParseArchitecture(s string) (Architecture, bool) {
	switch s {
	case "x86_64", "amd64", "x64":
		return ArchitectureX86_64, true
	case "arm64", "aarch64":
		return ArchitectureARM64, true
	}
	return ArchitectureInvalid, false
}
