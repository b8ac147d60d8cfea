package compose

// =============================================================================
// Export Parameters
// =============================================================================

// ServiceName is the name of the single exported service.
const ServiceName = "api"

// RestartPolicy is the restart behaviour requested from the orchestrator.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// IsValid reports whether the policy is one compose understands.
func (p RestartPolicy) IsValid() bool {
	switch p {
	case RestartNo, RestartAlways, RestartOnFailure, RestartUnlessStopped:
		return true
	}
	return false
}

// ExportParams describes the service to hand off.
type ExportParams struct {
	ProjectName   string
	Image         string
	HostPort      int
	ContainerPort int
	Restart       RestartPolicy
	// HealthCheck adds a TCP connect probe run with the image's interpreter.
	HealthCheck bool
	Labels      map[string]string
}

// =============================================================================
// Document Shape
// =============================================================================

// document is the subset of the compose file format ladderbox emits.
type document struct {
	Name     string             `yaml:"name,omitempty"`
	Services map[string]service `yaml:"services"`
}

type service struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Restart     string            `yaml:"restart,omitempty"`
	HealthCheck *healthCheck      `yaml:"healthcheck,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

type healthCheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}
