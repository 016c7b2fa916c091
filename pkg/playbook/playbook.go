// Package playbook executes phased configuration playbooks over SSH. A
// playbook is a named, ordered list of steps defined in YAML; phases run
// atomically from the engine's point of view.
package playbook

import (
	"fmt"
	"time"
)

// Playbook is one named configuration phase.
type Playbook struct {
	// Name identifies the playbook; the engine requests phases by this name.
	Name string `yaml:"name"`

	// Description is free-form operator documentation.
	Description string `yaml:"description,omitempty"`

	// Steps run sequentially; the first failure aborts the phase.
	Steps []Step `yaml:"steps"`
}

// Step is a single action within a playbook.
type Step struct {
	// Name identifies the step in logs and failure output.
	Name string `yaml:"name"`

	// Command is a shell command to run. Variables expand as ${var}.
	Command string `yaml:"command,omitempty"`

	// Script is an inline script executed through Interpreter.
	Script string `yaml:"script,omitempty"`

	// Interpreter runs Script (default: the remote shell via direct exec).
	Interpreter string `yaml:"interpreter,omitempty"`

	// Sudo runs Command with elevated privileges.
	Sudo bool `yaml:"sudo,omitempty"`

	// Copy uploads a payload file to the target.
	Copy *CopyAction `yaml:"copy,omitempty"`

	// Fetch downloads a file from the target.
	Fetch *FetchAction `yaml:"fetch,omitempty"`

	// Timeout bounds this step; zero means the phase deadline applies alone.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CopyAction uploads a local payload file to the remote host.
type CopyAction struct {
	// Source is relative to the library's payload directory.
	Source string `yaml:"source"`

	// Dest is the absolute remote path.
	Dest string `yaml:"dest"`

	// Mode sets remote file permissions (e.g. 0644).
	Mode uint32 `yaml:"mode,omitempty"`
}

// FetchAction downloads a remote file to the local host.
type FetchAction struct {
	// Remote is the absolute remote path.
	Remote string `yaml:"remote"`

	// Local is the local destination path.
	Local string `yaml:"local"`
}

// Validate checks that the playbook is structurally sound.
func (p *Playbook) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %s has no steps", p.Name)
	}
	for i, step := range p.Steps {
		actions := 0
		if step.Command != "" {
			actions++
		}
		if step.Script != "" {
			actions++
		}
		if step.Copy != nil {
			actions++
		}
		if step.Fetch != nil {
			actions++
		}
		if actions == 0 {
			return fmt.Errorf("playbook %s step %d (%s) has no action", p.Name, i, step.Name)
		}
		if actions > 1 {
			return fmt.Errorf("playbook %s step %d (%s) has multiple actions", p.Name, i, step.Name)
		}
		if step.Copy != nil && (step.Copy.Source == "" || step.Copy.Dest == "") {
			return fmt.Errorf("playbook %s step %d (%s) copy requires source and dest", p.Name, i, step.Name)
		}
		if step.Fetch != nil && (step.Fetch.Remote == "" || step.Fetch.Local == "") {
			return fmt.Errorf("playbook %s step %d (%s) fetch requires remote and local", p.Name, i, step.Name)
		}
	}
	return nil
}
