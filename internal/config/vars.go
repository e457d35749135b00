package config

import (
	"os"
	"runtime"
	"strings"
)

// Placeholder names usable as ${NAME} in step commands, outputs and serve settings.
const (
	VarProjectRoot = "PROJECT_ROOT"
	VarOutputDir   = "OUTPUT_DIR"
	VarOutputName  = "OUTPUT_NAME"
	VarLibPackage  = "LIB_PACKAGE"
	VarLibCrate    = "LIB_CRATE"
	VarBinPackage  = "BIN_PACKAGE"
	VarProfile     = "PROFILE"
	VarProfileDir  = "PROFILE_DIR"
	VarSiteDir     = "SITE_DIR"
	VarPkgDir      = "PKG_DIR"
	VarBinDir      = "BIN_DIR"
	VarStyleSource = "STYLE_SOURCE"
	VarAssetsDir   = "ASSETS_DIR"
	VarExe         = "EXE"

	// Supplied per cycle by the step runner.
	VarStaging = "STAGING"
	VarCycle   = "CYCLE"
)

var placeholders = map[string]bool{
	VarProjectRoot: true, VarOutputDir: true, VarOutputName: true, VarLibPackage: true,
	VarLibCrate: true, VarBinPackage: true, VarProfile: true, VarProfileDir: true,
	VarSiteDir: true, VarPkgDir: true, VarBinDir: true, VarStyleSource: true,
	VarAssetsDir: true, VarExe: true, VarStaging: true, VarCycle: true,
}

func isPlaceholder(name string) bool { return placeholders[name] }

// Vars returns the static placeholder values for this configuration.
func (c *Config) Vars() map[string]string {
	profile, profileDir := "dev", "debug"
	if c.Release {
		profile, profileDir = "release", "release"
	}
	exe := ""
	if runtime.GOOS == "windows" {
		exe = ".exe"
	}
	return map[string]string{
		VarProjectRoot: c.Project.Root,
		VarOutputDir:   c.OutputRoot(),
		VarOutputName:  c.Project.Name,
		VarLibPackage:  c.Project.LibPackage,
		VarLibCrate:    strings.ReplaceAll(c.Project.LibPackage, "-", "_"),
		VarBinPackage:  c.Project.BinPackage,
		VarProfile:     profile,
		VarProfileDir:  profileDir,
		VarSiteDir:     c.Output.SiteDir,
		VarPkgDir:      c.Output.PkgDir,
		VarBinDir:      c.Output.BinDir,
		VarStyleSource: c.Style.Source,
		VarAssetsDir:   c.Assets.Dir,
		VarExe:         exe,
	}
}

// Expand substitutes ${NAME} placeholders from vars, falling back to the
// process environment. Unknown names expand to the empty string. Bare $NAME
// references are left for the shell.
func Expand(s string, vars map[string]string) string {
	return ExpandWith(s, vars, nil)
}

// ExpandWith is Expand with extra per-call values that take precedence.
func ExpandWith(s string, vars, extra map[string]string) string {
	return expandBraced(s, func(name string) string {
		if v, ok := extra[name]; ok {
			return v
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

// expandBraced replaces ${NAME} references using mapping.
func expandBraced(s string, mapping func(string) string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			break
		}
		b.WriteString(s[:start])
		b.WriteString(mapping(s[start+2 : start+2+end]))
		s = s[start+2+end+1:]
	}
	b.WriteString(s)
	return b.String()
}
