package store

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

// ListTags returns all tags ordered by name.
func (s *Store) ListTags() []*Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]*Tag, 0, len(s.tags))
	for _, t := range s.tags {
		cp := *t
		tags = append(tags, &cp)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}

// CreateTag adds a tag. Names are unique.
func (s *Store) CreateTag(name, color string) (*Tag, error) {
	if name == "" {
		return nil, nubierr.Validationf("tag name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tags {
		if t.Name == name {
			return nil, nubierr.Conflictf("tag name already exists: %s", name)
		}
	}

	tag := &Tag{
		ID:        uuid.New().String(),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now(),
	}
	s.tags[tag.ID] = tag
	if err := s.persistTags(); err != nil {
		return nil, err
	}
	cp := *tag
	return &cp, nil
}

// UpdateTag edits a tag's name and color.
func (s *Store) UpdateTag(id, name, color string) (*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, ok := s.tags[id]
	if !ok {
		return nil, nubierr.NotFoundf("tag not found: %s", id)
	}
	if name != "" && name != tag.Name {
		for _, t := range s.tags {
			if t.ID != id && t.Name == name {
				return nil, nubierr.Conflictf("tag name already exists: %s", name)
			}
		}
		tag.Name = name
	}
	if color != "" {
		tag.Color = color
	}
	if err := s.persistTags(); err != nil {
		return nil, err
	}
	cp := *tag
	return &cp, nil
}

// DeleteTag removes a tag and scrubs its id from every host and certificate
// tag set.
func (s *Store) DeleteTag(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags[id]; !ok {
		return nubierr.NotFoundf("tag not found: %s", id)
	}
	delete(s.tags, id)

	hostsTouched := false
	for _, h := range s.hosts {
		if removed := removeString(&h.Tags, id); removed {
			h.UpdatedAt = time.Now()
			hostsTouched = true
		}
	}
	certsTouched := false
	for _, c := range s.certs {
		if removed := removeString(&c.Tags, id); removed {
			c.UpdatedAt = time.Now()
			certsTouched = true
		}
	}

	if err := s.persistTags(); err != nil {
		return err
	}
	if hostsTouched {
		if err := s.persistHosts(); err != nil {
			return err
		}
	}
	if certsTouched {
		if err := s.persistCerts(); err != nil {
			return err
		}
	}
	return nil
}

// BulkTagResult reports how a bulk tag operation landed.
type BulkTagResult struct {
	Applied int `json:"applied"`
	NoOps   int `json:"noops"`
}

// BulkTag adds or removes one tag across many hosts and certificates.
// Duplicate adds and missing removes are no-ops counted as success.
func (s *Store) BulkTag(tagID string, add bool, hostIDs, certIDs []string) (BulkTagResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkTagResult
	if _, ok := s.tags[tagID]; !ok {
		return res, nubierr.NotFoundf("tag not found: %s", tagID)
	}

	for _, id := range hostIDs {
		h, ok := s.hosts[id]
		if !ok {
			return res, nubierr.NotFoundf("proxy host not found: %s", id)
		}
		if applyTag(&h.Tags, tagID, add) {
			h.UpdatedAt = time.Now()
			res.Applied++
		} else {
			res.NoOps++
		}
	}
	for _, id := range certIDs {
		c, ok := s.certs[id]
		if !ok {
			return res, nubierr.NotFoundf("certificate not found: %s", id)
		}
		if applyTag(&c.Tags, tagID, add) {
			c.UpdatedAt = time.Now()
			res.Applied++
		} else {
			res.NoOps++
		}
	}

	if len(hostIDs) > 0 {
		if err := s.persistHosts(); err != nil {
			return res, err
		}
	}
	if len(certIDs) > 0 {
		if err := s.persistCerts(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// applyTag mutates the tag set and reports whether anything changed.
func applyTag(tags *[]string, tagID string, add bool) bool {
	if add {
		for _, t := range *tags {
			if t == tagID {
				return false
			}
		}
		*tags = append(*tags, tagID)
		return true
	}
	return removeString(tags, tagID)
}

func removeString(ss *[]string, v string) bool {
	for i, s := range *ss {
		if s == v {
			*ss = append((*ss)[:i], (*ss)[i+1:]...)
			return true
		}
	}
	return false
}
