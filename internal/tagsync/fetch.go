package tagsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/horizon-agent/internal/event"
)

const fetchPath = "/constella_db/tag/get_all_tags_for_user"

type fetchRequest struct {
	TenantName string `json:"tenant_name"`
}

type fetchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// RefreshTags replaces the mirror with a full fetch from the tag backend.
func (s *Session) RefreshTags(ctx context.Context) error {
	s.mu.Lock()
	tenant := s.tenant
	s.mu.Unlock()
	if tenant == "" {
		s.fail(ErrNoTenant.Error())
		return ErrNoTenant
	}

	s.setLoading(true)
	tags, err := s.fetchAll(ctx, tenant)
	s.setLoading(false)
	if err != nil {
		s.fail(err.Error())
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	s.tags.replace(tags)
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.log.Info("loaded %d tags", len(tags))
	s.bus.Publish(event.TagsLoaded, s.tags.all())
	return nil
}

func (s *Session) fetchAll(ctx context.Context, tenant string) ([]Tag, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	body, err := json.Marshal(fetchRequest{TenantName: tenant})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.HTTPBaseURL+fetchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range s.header() {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var out fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	tags := make([]Tag, 0, len(out.Results))
	for _, raw := range out.Results {
		var d tagData
		if err := json.Unmarshal(raw, &d); err != nil || d.UniqueID == "" {
			s.log.Warn("skipping malformed tag %s", string(raw))
			continue
		}
		tags = append(tags, Tag{ID: d.UniqueID, Name: d.Name, Color: d.Color})
	}
	return tags, nil
}
