// Package store is the single source of truth for persisted entities:
// proxy hosts, certificates, tags, the default route and maintenance state.
// Every mutator holds the write lock for validation + mutation + persist, so
// the uniqueness and referential invariants hold transactionally.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// State file names under the data directory. The top-level JSON shape is an
// array for collections and an object for singletons.
const (
	hostsFile            = "proxy_hosts.json"
	certsFile            = "certificates.json"
	tagsFile             = "tags.json"
	routeFile            = "default_route_state.json"
	routeBackupFile      = "maintenance_backup_state.json"
	maintenanceStateFile = "maintenance_state.json"
)

// Store owns all persisted entities.
type Store struct {
	mu       sync.RWMutex
	dataDir  string
	certsDir string
	log      *zap.Logger

	hosts       map[string]*ProxyHost
	certs       map[string]*Certificate
	tags        map[string]*Tag
	route       *DefaultRoute
	routeBackup *DefaultRoute
	maintenance Maintenance
}

// New creates the store and loads any existing state files. A missing or
// unreadable file starts that map empty with a logged warning; a first run
// has no files at all.
func New(dataDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	certsDir := filepath.Join(dataDir, "certs")
	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:  dataDir,
		certsDir: certsDir,
		log:      log,
		hosts:    make(map[string]*ProxyHost),
		certs:    make(map[string]*Certificate),
		tags:     make(map[string]*Tag),
		route:    &DefaultRoute{Mode: ModeNginxDefault},
	}
	s.load()
	return s, nil
}

// CertsDir is where certificate materials are written.
func (s *Store) CertsDir() string { return s.certsDir }

func (s *Store) load() {
	var hosts []*ProxyHost
	if s.loadFile(hostsFile, &hosts) {
		for _, h := range hosts {
			s.hosts[h.ID] = h
		}
	}
	var certs []*Certificate
	if s.loadFile(certsFile, &certs) {
		for _, c := range certs {
			s.certs[c.ID] = c
		}
	}
	var tags []*Tag
	if s.loadFile(tagsFile, &tags) {
		for _, t := range tags {
			s.tags[t.ID] = t
		}
	}
	var route DefaultRoute
	if s.loadFile(routeFile, &route) {
		s.route = &route
	}
	var backup DefaultRoute
	if s.loadFile(routeBackupFile, &backup) {
		s.routeBackup = &backup
	}
	var maint Maintenance
	if s.loadFile(maintenanceStateFile, &maint) {
		s.maintenance = maint
	}
}

// loadFile reads one state file. Returns false when the file is absent or
// unparseable; the latter logs a warning and the map starts empty.
func (s *Store) loadFile(name string, v any) bool {
	path := filepath.Join(s.dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not read state file, starting empty",
				zap.String("file", name), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("state file is not valid JSON, starting empty",
			zap.String("file", name), zap.Error(err))
		return false
	}
	return true
}

// writeFile persists v as pretty-printed JSON using write-then-rename.
// Callers hold the write lock.
func (s *Store) writeFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) persistHosts() error {
	hosts := make([]*ProxyHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if !hosts[i].CreatedAt.Equal(hosts[j].CreatedAt) {
			return hosts[i].CreatedAt.Before(hosts[j].CreatedAt)
		}
		return hosts[i].Domain < hosts[j].Domain
	})
	return s.writeFile(hostsFile, hosts)
}

func (s *Store) persistCerts() error {
	certs := make([]*Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		certs = append(certs, c)
	}
	sort.Slice(certs, func(i, j int) bool {
		if !certs[i].CreatedAt.Equal(certs[j].CreatedAt) {
			return certs[i].CreatedAt.Before(certs[j].CreatedAt)
		}
		return certs[i].ID < certs[j].ID
	})
	return s.writeFile(certsFile, certs)
}

func (s *Store) persistTags() error {
	tags := make([]*Tag, 0, len(s.tags))
	for _, t := range s.tags {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return s.writeFile(tagsFile, tags)
}

// Snapshot is the store-derived part of a metrics event.
type Snapshot struct {
	Hosts        int
	EnabledHosts int
	Certificates int
	Tags         int
	Maintenance  Maintenance
}

// StateSnapshot returns entity counts and maintenance state for telemetry.
func (s *Store) StateSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Hosts:        len(s.hosts),
		Certificates: len(s.certs),
		Tags:         len(s.tags),
		Maintenance:  s.maintenance,
	}
	for _, h := range s.hosts {
		if h.Enabled {
			snap.EnabledHosts++
		}
	}
	return snap
}

// DefaultRoute returns the current default route.
func (s *Store) DefaultRoute() *DefaultRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.route.Clone()
}

// SetDefaultRoute replaces and persists the default route singleton.
func (s *Store) SetDefaultRoute(r *DefaultRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.route = r.Clone()
	return s.writeFile(routeFile, s.route)
}

// BackupDefaultRoute saves the current route into the maintenance backup
// slot. An existing backup is left in place so that repeated enables do not
// overwrite the real pre-maintenance route.
func (s *Store) BackupDefaultRoute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routeBackup != nil {
		return nil
	}
	s.routeBackup = s.route.Clone()
	return s.writeFile(routeBackupFile, s.routeBackup)
}

// RouteBackup returns the backed-up pre-maintenance route without popping
// it, or nil when the slot is empty.
func (s *Store) RouteBackup() *DefaultRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.routeBackup == nil {
		return nil
	}
	return s.routeBackup.Clone()
}

// RestoreDefaultRoute pops the backup slot into the active route. Returns
// the restored route, or nil when no backup exists.
func (s *Store) RestoreDefaultRoute() (*DefaultRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routeBackup == nil {
		return nil, nil
	}
	s.route = s.routeBackup
	s.routeBackup = nil
	_ = os.Remove(filepath.Join(s.dataDir, routeBackupFile))
	if err := s.writeFile(routeFile, s.route); err != nil {
		return nil, err
	}
	return s.route.Clone(), nil
}

// MaintenanceState returns the global maintenance singleton.
func (s *Store) MaintenanceState() Maintenance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maintenance
}

// SetMaintenanceState replaces and persists the maintenance singleton.
func (s *Store) SetMaintenanceState(m Maintenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = m
	return s.writeFile(maintenanceStateFile, m)
}
