package recipe

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultBaseImage = "python:3.11-slim"
	DefaultWorkDir   = "/app"
	DefaultManifest  = "requirements.txt"
	DefaultPort      = 8080
	DefaultModule    = "snake_ladder_api:app"
)

// =============================================================================
// Recipe
// =============================================================================

// Installer holds the package tool commands run in the provisioning stage.
type Installer struct {
	// Upgrade refreshes the installer itself before any package is installed.
	Upgrade []string `json:"upgrade" mapstructure:"upgrade"`

	// Install resolves the manifest. It must not keep a local download cache.
	Install []string `json:"install" mapstructure:"install"`
}

// Recipe is the build descriptor for the API image.
type Recipe struct {
	BaseImage string    `json:"base_image" mapstructure:"base_image"`
	WorkDir   string    `json:"work_dir" mapstructure:"work_dir"`
	Manifest  string    `json:"manifest" mapstructure:"manifest"`
	Installer Installer `json:"installer" mapstructure:"installer"`
	Port      int       `json:"port" mapstructure:"port"`
	Command   []string  `json:"command" mapstructure:"command"`
}

// Default returns the recipe for the snake and ladder API.
func Default() Recipe {
	return Recipe{
		BaseImage: DefaultBaseImage,
		WorkDir:   DefaultWorkDir,
		Manifest:  DefaultManifest,
		Installer: DefaultInstaller(DefaultManifest),
		Port:      DefaultPort,
		Command:   UvicornCommand(DefaultModule, DefaultPort),
	}
}

// DefaultInstaller returns pip commands for the given manifest.
func DefaultInstaller(manifest string) Installer {
	return Installer{
		Upgrade: []string{"pip", "install", "--upgrade", "pip"},
		Install: []string{"pip", "install", "--no-cache-dir", "-r", manifest},
	}
}

// UvicornCommand returns the startup command serving an ASGI module on all
// interfaces.
func UvicornCommand(module string, port int) []string {
	return []string{"uvicorn", module, "--host", "0.0.0.0", "--port", strconv.Itoa(port)}
}

// WithDefaults fills empty fields from Default. The installer defaults follow
// the (possibly overridden) manifest name.
func WithDefaults(r Recipe) Recipe {
	d := Default()
	if r.BaseImage == "" {
		r.BaseImage = d.BaseImage
	}
	if r.WorkDir == "" {
		r.WorkDir = d.WorkDir
	}
	if r.Manifest == "" {
		r.Manifest = d.Manifest
	}
	if r.Port == 0 {
		r.Port = d.Port
	}
	if len(r.Installer.Upgrade) == 0 {
		r.Installer.Upgrade = DefaultInstaller(r.Manifest).Upgrade
	}
	if len(r.Installer.Install) == 0 {
		r.Installer.Install = DefaultInstaller(r.Manifest).Install
	}
	if len(r.Command) == 0 {
		r.Command = UvicornCommand(DefaultModule, r.Port)
	}
	return r
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks a recipe for values that would produce a broken image.
// Returns the first problem found as a *ValidationError.
func Validate(r Recipe) error {
	if strings.TrimSpace(r.BaseImage) == "" {
		return NewValidationError("base_image", "base image is required", ErrInvalidBaseImage)
	}
	if _, err := reference.ParseNormalizedNamed(r.BaseImage); err != nil {
		return NewValidationError("base_image", err.Error(), ErrInvalidBaseImage)
	}

	if !path.IsAbs(r.WorkDir) {
		return NewValidationError("work_dir", "must be absolute, got "+strconv.Quote(r.WorkDir), ErrInvalidWorkDir)
	}

	if err := validateManifestPath(r.Manifest); err != nil {
		return err
	}

	if r.Port < 1 || r.Port > 65535 {
		return NewValidationError("port", strconv.Itoa(r.Port)+" is out of range", ErrInvalidPort)
	}

	if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
		return NewValidationError("command", "at least one argument is required", ErrEmptyCommand)
	}

	if len(r.Installer.Upgrade) == 0 {
		return NewValidationError("installer.upgrade", "upgrade command is required", ErrInvalidInstaller)
	}
	if len(r.Installer.Install) == 0 {
		return NewValidationError("installer.install", "install command is required", ErrInvalidInstaller)
	}
	if !references(r.Installer.Install, r.Manifest) {
		return NewValidationError("installer.install", "install command must read "+r.Manifest, ErrInvalidInstaller)
	}
	if err := checkShellArgs("installer.upgrade", r.Installer.Upgrade); err != nil {
		return err
	}
	if err := checkShellArgs("installer.install", r.Installer.Install); err != nil {
		return err
	}

	return nil
}

// checkShellArgs rejects arguments the shell form of RUN cannot carry.
func checkShellArgs(field string, args []string) error {
	for _, arg := range args {
		if _, err := shellQuote(arg); err != nil {
			return NewValidationError(field, fmt.Sprintf("argument %q cannot be passed to the shell", arg), ErrInvalidInstaller)
		}
	}
	return nil
}

func validateManifestPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return NewValidationError("manifest", "manifest path is required", ErrInvalidManifest)
	}
	if path.IsAbs(p) {
		return NewValidationError("manifest", "must be relative to the build context", ErrInvalidManifest)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return NewValidationError("manifest", "must stay inside the build context", ErrInvalidManifest)
	}
	if strings.ContainsAny(clean, "*?[") {
		return NewValidationError("manifest", "must name a single file", ErrInvalidManifest)
	}
	return nil
}

func references(args []string, manifest string) bool {
	clean := path.Clean(manifest)
	for _, a := range args {
		if a == manifest || path.Clean(a) == clean {
			return true
		}
	}
	return false
}

// Digest returns the content digest of the rendered descriptor.
func Digest(r Recipe) digest.Digest {
	return digest.FromString(Render(r))
}
