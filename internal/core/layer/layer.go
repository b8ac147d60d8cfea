// Package layer computes content-addressed cache keys for build steps.
//
// Every step's key is derived from its parent's key, the step's descriptor
// text, and the digest of the files the step reads. Keys form a chain: once
// one step misses the cache, every later step misses too. This mirrors how the
// image builder addresses its layer cache and lets ladderbox predict which
// steps a build will reuse before talking to the daemon.
package layer

import (
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/opencontainers/go-digest"
)

// Inputs holds the digests of the files read by the build program.
type Inputs struct {
	Manifest digest.Digest
	Tree     digest.Digest
}

// Planned is one step with its computed cache key.
type Planned struct {
	Index       int                `json:"index"`
	Instruction recipe.Instruction `json:"instruction"`
	Key         digest.Digest      `json:"key"`
	Cached      bool               `json:"cached"`
}

// Key derives a step key from its parent key, its text and its input digest.
func Key(parent digest.Digest, instruction recipe.Instruction, input digest.Digest) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(instruction.Text()))
	h.Write([]byte{0})
	h.Write([]byte(input))
	return d.Digest()
}

// inputFor returns the digest of the files an instruction reads.
func inputFor(in recipe.Instruction, inputs Inputs) digest.Digest {
	switch in.Role {
	case recipe.RoleManifest:
		return inputs.Manifest
	case recipe.RoleTree:
		return inputs.Tree
	default:
		return ""
	}
}

// Plan computes keys for every instruction in order.
func Plan(instructions []recipe.Instruction, inputs Inputs) []Planned {
	planned := make([]Planned, 0, len(instructions))
	parent := digest.Digest("")

	for i, in := range instructions {
		key := Key(parent, in, inputFor(in, inputs))
		planned = append(planned, Planned{Index: i, Instruction: in, Key: key})
		parent = key
	}

	return planned
}

// Compare marks planned steps as cached when the previous build produced the
// same key at the same position. The first mismatch invalidates every later
// step.
func Compare(previous []digest.Digest, current []Planned) []Planned {
	out := make([]Planned, len(current))
	copy(out, current)

	hit := true
	for i := range out {
		hit = hit && i < len(previous) && previous[i] == out[i].Key
		out[i].Cached = hit
	}

	return out
}

// Keys returns the keys of planned steps in order.
func Keys(planned []Planned) []digest.Digest {
	keys := make([]digest.Digest, 0, len(planned))
	for _, p := range planned {
		keys = append(keys, p.Key)
	}
	return keys
}

// DependencyLayer returns the dependency install step.
func DependencyLayer(planned []Planned) (Planned, bool) {
	for _, p := range planned {
		if p.Instruction.Role == recipe.RoleInstall {
			return p, true
		}
	}
	return Planned{}, false
}

// FirstMiss returns the index of the first step that must be rebuilt, or -1
// when every step is cached.
func FirstMiss(planned []Planned) int {
	for _, p := range planned {
		if !p.Cached {
			return p.Index
		}
	}
	return -1
}
