package compose

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Export renders a compose document with a single service that runs the image
// and publishes the container port on the host port.
//
// Example:
//
//	doc, err := compose.Export(compose.ExportParams{
//		Image:         "ladderbox/snake-ladder-api:latest",
//		HostPort:      8080,
//		ContainerPort: 8080,
//		Restart:       compose.RestartUnlessStopped,
//	})
func Export(p ExportParams) ([]byte, error) {
	if p.Image == "" {
		return nil, NewComposeError("services."+ServiceName+".image", "image is required", ErrMissingImage)
	}
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return nil, NewComposeError("services."+ServiceName+".ports", fmt.Sprintf("container port %d out of range", p.ContainerPort), ErrInvalidPort)
	}
	hostPort := p.HostPort
	if hostPort == 0 {
		hostPort = p.ContainerPort
	}
	if hostPort < 1 || hostPort > 65535 {
		return nil, NewComposeError("services."+ServiceName+".ports", fmt.Sprintf("host port %d out of range", hostPort), ErrInvalidPort)
	}
	restart := p.Restart
	if restart == "" {
		restart = RestartNo
	}
	if !restart.IsValid() {
		return nil, NewComposeError("services."+ServiceName+".restart", fmt.Sprintf("unknown policy %q", restart), ErrInvalidRestart)
	}

	svc := service{
		Image:   p.Image,
		Ports:   []string{fmt.Sprintf("%d:%d", hostPort, p.ContainerPort)},
		Restart: string(restart),
		Labels:  p.Labels,
	}
	if p.HealthCheck {
		svc.HealthCheck = &healthCheck{
			Test: []string{
				"CMD", "python", "-c",
				fmt.Sprintf("import socket; socket.create_connection(('127.0.0.1', %d), 2)", p.ContainerPort),
			},
			Interval:    "10s",
			Timeout:     "3s",
			Retries:     3,
			StartPeriod: "5s",
		}
	}

	out, err := yaml.Marshal(document{
		Name:     p.ProjectName,
		Services: map[string]service{ServiceName: svc},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compose document: %w", err)
	}
	return out, nil
}
