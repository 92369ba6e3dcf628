// Package orgconfig resolves per-organization scheduling settings. Resolved
// settings are memoized in a cache and invalidated when config reloads.
package orgconfig

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"liase/internal/admission"
	"liase/internal/cache"
	"liase/internal/config"
	"liase/internal/jobs"
	logx "liase/pkg/logx"
)

const keyPrefix = "org:"

// Settings are the resolved settings of one organization.
type Settings struct {
	OrgID    string
	Timezone string
	Priority admission.Priority
	Kinds    map[string]admission.Priority
}

type Service struct {
	cache *cache.Cache[Settings]
	ttl   time.Duration
	log   logx.Logger

	mu        sync.RWMutex
	orgs      map[string]config.OrganizationConfig
	defaultTZ string
}

func New(c *cache.Cache[Settings], ttl time.Duration, log logx.Logger) *Service {
	if c == nil {
		c = cache.New[Settings]()
	}
	return &Service{cache: c, ttl: ttl, log: log, orgs: map[string]config.OrganizationConfig{}}
}

// Apply replaces the organization table and drops every cached org entry.
func (s *Service) Apply(orgs map[string]config.OrganizationConfig, defaultTZ string, ttl time.Duration) {
	cp := make(map[string]config.OrganizationConfig, len(orgs))
	for k, v := range orgs {
		cp[k] = v
	}
	s.mu.Lock()
	s.orgs = cp
	s.defaultTZ = strings.TrimSpace(defaultTZ)
	if ttl > 0 {
		s.ttl = ttl
	}
	s.mu.Unlock()

	if n := s.cache.InvalidatePrefix(keyPrefix); n > 0 {
		s.log.Debug("org settings invalidated", logx.Int("entries", n))
	}
}

// Settings returns the resolved settings for orgID. Unknown or empty
// organizations resolve to the defaults (normal priority, default timezone).
func (s *Service) Settings(orgID string) (Settings, error) {
	s.mu.RLock()
	ttl := s.ttl
	s.mu.RUnlock()
	return s.cache.GetOrLoad(keyPrefix+orgID, ttl, func() (Settings, error) { return s.resolve(orgID) })
}

func (s *Service) resolve(orgID string) (Settings, error) {
	s.mu.RLock()
	oc, ok := s.orgs[orgID]
	def := s.defaultTZ
	s.mu.RUnlock()

	out := Settings{OrgID: orgID, Timezone: def, Priority: admission.Normal}
	if !ok {
		return out, nil
	}
	if tz := strings.TrimSpace(oc.Timezone); tz != "" {
		out.Timezone = tz
	}
	p, err := admission.ParsePriority(oc.Priority)
	if err != nil {
		return Settings{}, fmt.Errorf("organizations.%s.priority: %w", orgID, err)
	}
	out.Priority = p
	if len(oc.Kinds) > 0 {
		out.Kinds = make(map[string]admission.Priority, len(oc.Kinds))
		for kind, raw := range oc.Kinds {
			kp, err := admission.ParsePriority(raw)
			if err != nil {
				return Settings{}, fmt.Errorf("organizations.%s.kinds.%s: %w", orgID, kind, err)
			}
			out.Kinds[kind] = kp
		}
	}
	return out, nil
}

// PriorityFor assigns an admission priority to a job: the org's per-kind
// override, then the org priority, then Normal.
func (s *Service) PriorityFor(rec jobs.Record) admission.Priority {
	st, err := s.Settings(rec.OrgID)
	if err != nil {
		s.log.Warn("org settings unavailable; using normal priority", logx.String("org", rec.OrgID), logx.Err(err))
		return admission.Normal
	}
	if p, ok := st.Kinds[rec.Kind]; ok {
		return p
	}
	return st.Priority
}

// TimezoneFor returns the timezone new jobs of orgID default to.
func (s *Service) TimezoneFor(orgID string) string {
	st, err := s.Settings(orgID)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.defaultTZ
	}
	return st.Timezone
}

// Validate checks priority names and timezones without touching the cache.
func Validate(orgs map[string]config.OrganizationConfig) error {
	var errs []error
	probe := &Service{orgs: orgs}
	for id := range orgs {
		if _, err := probe.resolve(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
