// Package directory resolves organizations, users and pods for the SLA engine.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/sla-tracker/internal/model"
)

// Directory looks up org calendars and people
type Directory interface {
	// BusinessHours returns the org's calendar, or nil when none is configured
	BusinessHours(ctx context.Context, orgID string) (*model.BusinessHoursConfig, error)

	// User returns a directory user
	User(ctx context.Context, id string) (*model.User, error)

	// Pod returns a pod
	Pod(ctx context.Context, id string) (*model.Pod, error)
}

type organization struct {
	ID            string                     `yaml:"id"`
	BusinessHours *model.BusinessHoursConfig `yaml:"business_hours"`
}

type document struct {
	Organizations []organization `yaml:"organizations"`
	Users         []model.User   `yaml:"users"`
	Pods          []model.Pod    `yaml:"pods"`
}

// FileDirectory is a Directory loaded from a YAML file
type FileDirectory struct {
	logger *zap.Logger
	path   string

	mu    sync.RWMutex
	orgs  map[string]*model.BusinessHoursConfig
	users map[string]*model.User
	pods  map[string]*model.Pod
}

// NewFileDirectory loads the directory at path. An empty path yields an empty directory.
func NewFileDirectory(logger *zap.Logger, path string) (*FileDirectory, error) {
	d := &FileDirectory{
		logger: logger.Named("directory"),
		path:   path,
		orgs:   make(map[string]*model.BusinessHoursConfig),
		users:  make(map[string]*model.User),
		pods:   make(map[string]*model.Pod),
	}
	if path == "" {
		return d, nil
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read directory file: %w", err)
	}
	return d.load(data)
}

func (d *FileDirectory) load(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse directory: %w", err)
	}

	orgs := make(map[string]*model.BusinessHoursConfig, len(doc.Organizations))
	for _, o := range doc.Organizations {
		if o.ID == "" {
			return fmt.Errorf("failed to parse directory: organization without id")
		}
		orgs[o.ID] = o.BusinessHours
	}
	users := make(map[string]*model.User, len(doc.Users))
	for i := range doc.Users {
		users[doc.Users[i].ID] = &doc.Users[i]
	}
	pods := make(map[string]*model.Pod, len(doc.Pods))
	for i := range doc.Pods {
		pods[doc.Pods[i].ID] = &doc.Pods[i]
	}

	d.mu.Lock()
	d.orgs, d.users, d.pods = orgs, users, pods
	d.mu.Unlock()

	d.logger.Info("Loaded directory",
		zap.Int("organizations", len(orgs)),
		zap.Int("users", len(users)),
		zap.Int("pods", len(pods)))
	return nil
}

// BusinessHours implements Directory.BusinessHours
func (d *FileDirectory) BusinessHours(_ context.Context, orgID string) (*model.BusinessHoursConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cfg := d.orgs[orgID]
	if cfg == nil {
		return nil, nil
	}
	out := *cfg
	out.Holidays = append([]string(nil), cfg.Holidays...)
	out.Workdays = append([]time.Weekday(nil), cfg.Workdays...)
	return &out, nil
}

// User implements Directory.User
func (d *FileDirectory) User(_ context.Context, id string) (*model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "user", ID: id}
	}
	out := *u
	return &out, nil
}

// Pod implements Directory.Pod
func (d *FileDirectory) Pod(_ context.Context, id string) (*model.Pod, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.pods[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "pod", ID: id}
	}
	out := *p
	return &out, nil
}
