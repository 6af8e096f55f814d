package agents

import (
	"net/http"

	"github.com/rendis/orchestra/pkg/agent"
)

// Names of the built-in agents.
const (
	ShellAgent = "shell"
	HTTPAgent  = "http"
)

// Config selects and configures the built-in agents.
type Config struct {
	Enabled bool        `json:"enabled" env:"ENABLED"`
	Shell   ShellConfig `json:"shell" envPrefix:"SHELL_"`
	HTTP    HTTPConfig  `json:"http" envPrefix:"HTTP_"`
}

// Registrar is the part of the dispatcher used to install agents.
type Registrar interface {
	Register(name string, a agent.Agent) error
}

// Register installs the built-in agents into r. It is a no-op when cfg is
// disabled.
func Register(r Registrar, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	sh, err := NewShellAgent(cfg.Shell)
	if err != nil {
		return err
	}
	if err := r.Register(ShellAgent, sh); err != nil {
		return err
	}
	h, err := NewHTTPAgent(cfg.HTTP, &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()})
	if err != nil {
		return err
	}
	return r.Register(HTTPAgent, h)
}
