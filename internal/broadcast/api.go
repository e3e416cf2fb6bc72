package broadcast

import (
	"context"
	"sort"

	"tgcast/internal/campaign"
)

// WorkerStatus is a live worker's account and loop state.
type WorkerStatus struct {
	AccountID string `json:"account_id"`
	State     string `json:"state"`
}

// CampaignStatus is the stored record plus what is live in this process.
type CampaignStatus struct {
	campaign.Campaign
	RunID   string         `json:"run_id,omitempty"`
	Live    int            `json:"live_workers"`
	Workers []WorkerStatus `json:"workers,omitempty"`
}

func (s *Service) Status(ctx context.Context, id string) (CampaignStatus, error) {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return CampaignStatus{}, err
	}
	return s.withLive(c), nil
}

func (s *Service) List(ctx context.Context) ([]CampaignStatus, error) {
	cs, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CampaignStatus, 0, len(cs))
	for _, c := range cs {
		out = append(out, s.withLive(c))
	}
	return out, nil
}

// Running returns the ids of campaigns with live workers, sorted.
func (s *Service) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Service) withLive(c campaign.Campaign) CampaignStatus {
	st := CampaignStatus{Campaign: c}
	s.mu.Lock()
	h := s.running[c.ID]
	if h != nil {
		st.RunID = h.runID
		st.Live = h.live
	}
	s.mu.Unlock()
	if h == nil {
		return st
	}
	for _, w := range h.workers {
		if state := w.State(); !state.Terminal() {
			st.Workers = append(st.Workers, WorkerStatus{AccountID: w.acc.ID, State: state.String()})
		}
	}
	return st
}
