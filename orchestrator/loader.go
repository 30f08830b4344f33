package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/workflow"
)

// Definitions is the document format of a definitions file.
type Definitions struct {
	Fleets    []*fleet.Definition    `yaml:"fleets"`
	Workflows []*workflow.Definition `yaml:"workflows"`
}

// LoadFile registers every definition in a YAML file.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open definitions: %w", err)
	}
	defer f.Close()
	return r.Load(f)
}

// Load registers every definition of a YAML stream. Multiple documents are
// allowed. Definitions are registered independently; the returned error
// combines every rejected one.
func (r *Registry) Load(src io.Reader) error {
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)

	var errs error
	for {
		var doc Definitions
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse definitions: %w", err)
		}
		for _, def := range doc.Fleets {
			if err := r.RegisterFleet(def); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("fleet %q: %w", fleetName(def), err))
			}
		}
		for _, def := range doc.Workflows {
			if err := r.RegisterWorkflow(def); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("workflow %q: %w", workflowName(def), err))
			}
		}
	}
	return errs
}

func fleetName(def *fleet.Definition) string {
	if def == nil {
		return ""
	}
	return def.Name
}

func workflowName(def *workflow.Definition) string {
	if def == nil {
		return ""
	}
	return def.Name
}
