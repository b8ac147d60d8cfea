package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// Validate loads a compose document with the compose-go loader and checks
// that it describes exactly one service that runs an image and publishes the
// given container port.
func Validate(content []byte, containerPort int) error {
	project, err := load(content)
	if err != nil {
		return err
	}

	if len(project.Services) != 1 {
		return NewComposeError("services", fmt.Sprintf("found %d services", len(project.Services)), ErrServiceCount)
	}

	for name, svc := range project.Services {
		field := "services." + name
		if svc.Image == "" {
			return NewComposeError(field+".image", "image is required", ErrMissingImage)
		}
		if svc.Restart != "" && !RestartPolicy(svc.Restart).IsValid() {
			return NewComposeError(field+".restart", fmt.Sprintf("unknown policy %q", svc.Restart), ErrInvalidRestart)
		}
		if !publishes(svc, containerPort) {
			return NewComposeError(field+".ports", fmt.Sprintf("container port %d is not published", containerPort), ErrPortNotDeclared)
		}
	}

	return nil
}

// publishes reports whether a service maps the container port to a host port.
func publishes(svc types.ServiceConfig, containerPort int) bool {
	for _, p := range svc.Ports {
		if int(p.Target) == containerPort && p.Published != "" {
			return true
		}
	}
	return false
}

// load parses a compose document entirely in memory.
func load(content []byte) (*types.Project, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyInput
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, NewComposeError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewComposeError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("ladderbox", false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewComposeError("", err.Error(), ErrInvalidProject)
	}

	return project, nil
}
