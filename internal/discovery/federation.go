package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const maxProfileSize = 1 << 20

// fetchExternal asks each federation endpoint in order and returns the first
// well-formed profile for id.
func (s *Service) fetchExternal(ctx context.Context, id string) (*a2a.AgentProfile, bool) {
	for _, endpoint := range s.cfg.ExternalEndpoints {
		profile, err := s.fetchFrom(ctx, endpoint, id)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"agentId":  id,
				"endpoint": endpoint,
			}).Debugf("External discovery lookup failed: %v", err)
			continue
		}
		s.logger.Infof("Resolved agent %s via external discovery %s", id, endpoint)
		return profile, true
	}
	return nil, false
}

func (s *Service) fetchFrom(ctx context.Context, endpoint, id string) (*a2a.AgentProfile, error) {
	reqURL := strings.TrimRight(endpoint, "/") + "/agents/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var profile a2a.AgentProfile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileSize)).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if profile.ID != id {
		return nil, fmt.Errorf("endpoint returned profile %s", profile.ID)
	}
	return &profile, nil
}
