package playbook

import (
	"os"
	"path/filepath"
	"testing"
)

const accessPlaybook = `name: access_setup
description: post-reinstall access bootstrap
steps:
  - name: install key
    command: mkdir -p /root/.ssh && echo "${public_key}" >> /root/.ssh/authorized_keys
  - name: harden sshd
    command: sed -i 's/PasswordAuthentication yes/PasswordAuthentication no/' /etc/ssh/sshd_config
    sudo: true
`

func writePlaybookDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write playbook file: %v", err)
		}
	}
	return dir
}

func TestLibraryLoad(t *testing.T) {
	dir := writePlaybookDir(t, map[string]string{
		"access_setup.yaml": accessPlaybook,
		"notes.txt":         "not a playbook",
	})

	lib, err := NewLibrary(dir, "")
	if err != nil {
		t.Fatalf("failed to load library: %v", err)
	}

	pb, err := lib.Get("access_setup")
	if err != nil {
		t.Fatalf("failed to get playbook: %v", err)
	}
	if len(pb.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(pb.Steps))
	}
	if !pb.Steps[1].Sudo {
		t.Error("expected second step to use sudo")
	}

	if _, err := lib.Get("software_setup"); err == nil {
		t.Error("expected error for unknown playbook")
	}
}

func TestLibrarySkipsInvalidFiles(t *testing.T) {
	dir := writePlaybookDir(t, map[string]string{
		"access_setup.yaml": accessPlaybook,
		"broken.yaml":       "name: broken\nsteps: []\n",
		"garbage.yaml":      "{{{not yaml",
	})

	lib, err := NewLibrary(dir, "")
	if err != nil {
		t.Fatalf("failed to load library: %v", err)
	}

	if names := lib.Names(); len(names) != 1 {
		t.Errorf("expected 1 playbook, got %v", names)
	}
}

func TestLibraryReload(t *testing.T) {
	dir := writePlaybookDir(t, map[string]string{
		"access_setup.yaml": accessPlaybook,
	})

	lib, err := NewLibrary(dir, "")
	if err != nil {
		t.Fatalf("failed to load library: %v", err)
	}

	newPlaybook := `name: software_setup
steps:
  - name: install
    command: apt-get install -y nginx
`
	if err := os.WriteFile(filepath.Join(dir, "software_setup.yaml"), []byte(newPlaybook), 0644); err != nil {
		t.Fatalf("failed to write new playbook: %v", err)
	}

	if err := lib.Reload(); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}

	if _, err := lib.Get("software_setup"); err != nil {
		t.Errorf("expected software_setup after reload: %v", err)
	}
}

func TestPlaybookValidate(t *testing.T) {
	tests := []struct {
		name    string
		pb      Playbook
		wantErr bool
	}{
		{
			name:    "missing name",
			pb:      Playbook{Steps: []Step{{Name: "x", Command: "true"}}},
			wantErr: true,
		},
		{
			name:    "no steps",
			pb:      Playbook{Name: "empty"},
			wantErr: true,
		},
		{
			name:    "step without action",
			pb:      Playbook{Name: "p", Steps: []Step{{Name: "noop"}}},
			wantErr: true,
		},
		{
			name: "step with multiple actions",
			pb: Playbook{Name: "p", Steps: []Step{
				{Name: "both", Command: "true", Script: "true"},
			}},
			wantErr: true,
		},
		{
			name: "copy missing dest",
			pb: Playbook{Name: "p", Steps: []Step{
				{Name: "copy", Copy: &CopyAction{Source: "a"}},
			}},
			wantErr: true,
		},
		{
			name: "valid",
			pb: Playbook{Name: "p", Steps: []Step{
				{Name: "cmd", Command: "true"},
				{Name: "copy", Copy: &CopyAction{Source: "a", Dest: "/tmp/a"}},
			}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pb.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
