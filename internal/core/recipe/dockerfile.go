package recipe

import "strings"

// DescriptorName is the file name the rendered descriptor gets inside the
// build context. It does not collide with a Dockerfile the project may carry.
const DescriptorName = ".ladderbox.Dockerfile"

// stageHeadings introduce each stage in the rendered descriptor.
var stageHeadings = map[Stage]string{
	StageProvisioning:    "# Dependency provisioning: installed from the manifest alone so\n# application edits keep this layer cached.",
	StageMaterialization: "# Application materialization.",
	StageMetadata:        "# Launch metadata. EXPOSE documents the port; the process binds it.",
}

// Render returns the Dockerfile for a recipe.
func Render(r Recipe) string {
	var sb strings.Builder

	current := Stage("")
	for _, in := range Instructions(r) {
		if in.Stage != current {
			if current != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(stageHeadings[in.Stage])
			sb.WriteString("\n")
			current = in.Stage
		}
		sb.WriteString(in.Text())
		sb.WriteString("\n")
	}

	return sb.String()
}
