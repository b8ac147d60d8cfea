package recipe

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/artpar/ladderbox/internal/core/domain"
	"mvdan.cc/sh/v3/syntax"
)

// =============================================================================
// Instruction Types
// =============================================================================

// Kind is a build instruction keyword.
type Kind string

const (
	KindFrom    Kind = "FROM"
	KindWorkDir Kind = "WORKDIR"
	KindCopy    Kind = "COPY"
	KindRun     Kind = "RUN"
	KindExpose  Kind = "EXPOSE"
	KindCmd     Kind = "CMD"
)

// Stage groups instructions by what they contribute to the image.
type Stage string

const (
	StageProvisioning    Stage = "provisioning"
	StageMaterialization Stage = "materialization"
	StageMetadata        Stage = "metadata"
)

// Churn returns how often the stage's inputs are expected to change.
func (s Stage) Churn() string {
	if s == StageMaterialization {
		return "high"
	}
	return "low"
}

// Role identifies the purpose of an instruction within the recipe.
type Role string

const (
	RoleBase     Role = "base"
	RoleWorkDir  Role = "workdir"
	RoleManifest Role = "manifest"
	RoleUpgrade  Role = "upgrade"
	RoleInstall  Role = "install"
	RoleTree     Role = "tree"
	RolePort     Role = "port"
	RoleCommand  Role = "command"
)

// Instruction is one step of the build program.
type Instruction struct {
	Kind  Kind     `json:"kind"`
	Args  []string `json:"args"`
	Stage Stage    `json:"stage"`
	Role  Role     `json:"role"`

	// Reaches is the build phase completed once this step finishes. Empty
	// when the step does not close a phase.
	Reaches domain.BuildPhase `json:"reaches,omitempty"`
}

// Text returns the instruction as a descriptor line.
func (i Instruction) Text() string {
	switch i.Kind {
	case KindCmd:
		// Exec form keeps the process as PID 1 without a wrapping shell.
		encoded, _ := json.Marshal(i.Args)
		return string(KindCmd) + " " + string(encoded)
	case KindRun:
		quoted := make([]string, len(i.Args))
		for n, arg := range i.Args {
			q, err := shellQuote(arg)
			if err != nil {
				q = arg
			}
			quoted[n] = q
		}
		return string(KindRun) + " " + strings.Join(quoted, " ")
	case KindCopy:
		for _, arg := range i.Args {
			if strings.ContainsAny(arg, " \t\"'") {
				encoded, _ := json.Marshal(i.Args)
				return string(KindCopy) + " " + string(encoded)
			}
		}
		return string(KindCopy) + " " + strings.Join(i.Args, " ")
	default:
		return string(i.Kind) + " " + strings.Join(i.Args, " ")
	}
}

// shellQuote quotes arg for the POSIX shell that runs RUN instructions. Plain
// words come back unchanged.
func shellQuote(arg string) (string, error) {
	return syntax.Quote(arg, syntax.LangPOSIX)
}

// =============================================================================
// Instruction Planning
// =============================================================================

// Instructions returns the ordered build program for a recipe.
//
// Example (default recipe):
//
//	FROM python:3.11-slim
//	WORKDIR /app
//	COPY requirements.txt ./requirements.txt
//	RUN pip install --upgrade pip
//	RUN pip install --no-cache-dir -r requirements.txt
//	COPY . .
//	EXPOSE 8080/tcp
//	CMD ["uvicorn","snake_ladder_api:app","--host","0.0.0.0","--port","8080"]
func Instructions(r Recipe) []Instruction {
	manifest := path.Clean(r.Manifest)

	return []Instruction{
		{Kind: KindFrom, Args: []string{r.BaseImage}, Stage: StageProvisioning, Role: RoleBase},
		{Kind: KindWorkDir, Args: []string{r.WorkDir}, Stage: StageProvisioning, Role: RoleWorkDir,
			Reaches: domain.BuildEnvironmentProvisioned},
		{Kind: KindCopy, Args: []string{manifest, "./" + manifest}, Stage: StageProvisioning, Role: RoleManifest},
		{Kind: KindRun, Args: r.Installer.Upgrade, Stage: StageProvisioning, Role: RoleUpgrade},
		{Kind: KindRun, Args: r.Installer.Install, Stage: StageProvisioning, Role: RoleInstall,
			Reaches: domain.BuildDependenciesInstalled},
		{Kind: KindCopy, Args: []string{".", "."}, Stage: StageMaterialization, Role: RoleTree,
			Reaches: domain.BuildApplicationMaterialized},
		{Kind: KindExpose, Args: []string{strconv.Itoa(r.Port) + "/tcp"}, Stage: StageMetadata, Role: RolePort},
		{Kind: KindCmd, Args: r.Command, Stage: StageMetadata, Role: RoleCommand},
	}
}

// IndexOf returns the position of the first instruction with the given role,
// or -1.
func IndexOf(instructions []Instruction, role Role) int {
	for i, in := range instructions {
		if in.Role == role {
			return i
		}
	}
	return -1
}

// PhaseAfterStep returns the furthest build phase reached once the step at
// index has completed. Steps are zero-based.
func PhaseAfterStep(instructions []Instruction, index int) domain.BuildPhase {
	phase := domain.BuildUninitialized
	for i := 0; i <= index && i < len(instructions); i++ {
		if instructions[i].Reaches != "" {
			phase = instructions[i].Reaches
		}
	}
	return phase
}

// =============================================================================
// Ordering Invariant
// =============================================================================

// CheckOrdering verifies the layer-ordering invariant:
//   - the program starts from a base image
//   - no low-churn instruction follows the first high-churn one
//   - exactly one install step exists and it is preceded by a copy of the
//     manifest alone, with no application tree copied before it
//   - metadata instructions come last
func CheckOrdering(instructions []Instruction) error {
	if len(instructions) == 0 || instructions[0].Kind != KindFrom {
		return fmt.Errorf("%w: program must start with FROM", ErrLayerOrdering)
	}

	firstHigh := -1
	firstMeta := -1
	for i, in := range instructions {
		if in.Stage.Churn() == "high" && firstHigh < 0 {
			firstHigh = i
		}
		if in.Stage == StageMetadata && firstMeta < 0 {
			firstMeta = i
		}
		if firstHigh >= 0 && i > firstHigh && in.Stage == StageProvisioning {
			return fmt.Errorf("%w: %q (low churn) follows %q (high churn)",
				ErrLayerOrdering, in.Text(), instructions[firstHigh].Text())
		}
		if firstMeta >= 0 && in.Stage != StageMetadata {
			return fmt.Errorf("%w: %q follows metadata", ErrLayerOrdering, in.Text())
		}
	}

	install := -1
	for i, in := range instructions {
		if in.Role != RoleInstall {
			continue
		}
		if install >= 0 {
			return fmt.Errorf("%w: more than one install step", ErrLayerOrdering)
		}
		install = i
	}
	if install < 0 {
		return fmt.Errorf("%w: no install step", ErrLayerOrdering)
	}

	manifest := IndexOf(instructions, RoleManifest)
	if manifest < 0 || manifest > install {
		return fmt.Errorf("%w: manifest must be copied before install", ErrLayerOrdering)
	}
	if tree := IndexOf(instructions, RoleTree); tree >= 0 && tree < install {
		return fmt.Errorf("%w: application tree copied before install", ErrLayerOrdering)
	}
	if src := instructions[manifest].Args; len(src) != 2 || src[0] == "." {
		return fmt.Errorf("%w: manifest copy must name only the manifest", ErrLayerOrdering)
	}

	return nil
}
