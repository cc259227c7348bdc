// Package catalog loads hosts, host groups, tasks and accounts from a YAML
// file into in-memory repositories.
package catalog

import (
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/host"
	"jobhost/internal/store/memory"
	"jobhost/internal/task"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the decoded catalog file.
//
//	defaultGroup: linux
//	groups: [linux, gpu]
//	accounts: [acme]
//	hosts:
//	  - id: h1
//	    name: build-1
//	    group: linux
//	    runningJobsLimit: 4
//	    priority: 1
//	tasks:
//	  - id: build
//	    parameters: [ref]
//	    timeout: 2h
type Catalog struct {
	DefaultGroup string       `yaml:"defaultGroup"`
	Groups       []string     `yaml:"groups"`
	Accounts     []string     `yaml:"accounts"`
	Hosts        []*host.Host `yaml:"hosts"`
	Tasks        []*task.Task `yaml:"tasks"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Configuration(fmt.Sprintf("read catalog: %v", err))
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, apperrors.Configuration(fmt.Sprintf("parse catalog: %v", err))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Grouped reports whether the catalog organises hosts in groups.
func (c *Catalog) Grouped() bool {
	if len(c.Groups) > 0 || c.DefaultGroup != "" {
		return true
	}
	for _, h := range c.Hosts {
		if h.Group != "" {
			return true
		}
	}
	return false
}

// Validate checks for duplicate ids, incomplete hosts and undeclared groups.
func (c *Catalog) Validate() error {
	declared := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g == "" {
			return apperrors.Configuration("catalog: empty group name")
		}
		declared[g] = true
	}
	if c.DefaultGroup != "" && len(c.Groups) > 0 && !declared[c.DefaultGroup] {
		return apperrors.Configuration(fmt.Sprintf("catalog: default group %q is not declared", c.DefaultGroup))
	}

	grouped := c.Grouped()
	hostIDs := make(map[string]bool, len(c.Hosts))
	fullNames := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		switch {
		case h == nil || h.ID == "":
			return apperrors.Configuration(fmt.Sprintf("catalog: host #%d has no id", i+1))
		case h.Name == "":
			return apperrors.Configuration(fmt.Sprintf("catalog: host %s has no name", h.ID))
		case h.RunningJobsLimit < 1:
			return apperrors.Configuration(fmt.Sprintf("catalog: host %s needs runningJobsLimit >= 1", h.ID))
		case hostIDs[h.ID]:
			return apperrors.Configuration(fmt.Sprintf("catalog: duplicate host id %s", h.ID))
		case grouped && h.Group == "":
			return apperrors.Configuration(fmt.Sprintf("catalog: host %s has no group", h.ID))
		case len(c.Groups) > 0 && !declared[h.Group]:
			return apperrors.Configuration(fmt.Sprintf("catalog: host %s uses undeclared group %q", h.ID, h.Group))
		case fullNames[h.FullName()]:
			return apperrors.Configuration(fmt.Sprintf("catalog: duplicate host name %s", h.FullName()))
		}
		hostIDs[h.ID] = true
		fullNames[h.FullName()] = true
	}

	taskIDs := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		switch {
		case t == nil || t.ID == "":
			return apperrors.Configuration(fmt.Sprintf("catalog: task #%d has no id", i+1))
		case taskIDs[t.ID]:
			return apperrors.Configuration(fmt.Sprintf("catalog: duplicate task id %s", t.ID))
		case t.Timeout < 0 || t.WorkflowTimeout < 0:
			return apperrors.Configuration(fmt.Sprintf("catalog: task %s has a negative timeout", t.ID))
		}
		taskIDs[t.ID] = true
	}
	return nil
}

// HostRepository builds the host repository, grouped when the catalog
// uses groups.
func (c *Catalog) HostRepository() host.Repository {
	if c.Grouped() {
		return memory.NewGroupedHostRepository(c.Groups, c.Hosts...)
	}
	return memory.NewHostRepository(c.Hosts...)
}

// TaskRepository builds the task repository.
func (c *Catalog) TaskRepository() *memory.TaskRepository {
	return memory.NewTaskRepository(c.Tasks...)
}

// AccountSet returns the known accounts, or nil when the catalog lists none
// and account ids should not be checked.
func (c *Catalog) AccountSet() *memory.AccountSet {
	if len(c.Accounts) == 0 {
		return nil
	}
	return memory.NewAccountSet(c.Accounts...)
}
