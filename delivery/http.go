package delivery

import (
	"bytes"
	"context"
	"net/http"

	"github.com/google/go-querystring/query"
	"github.com/pkg/errors"
)

type uploadParams struct {
	StationID    string `url:"siteid"`
	AuthKey      string `url:"siteAuthenticationKey,omitempty"`
	Topic        string `url:"topic,omitempty"`
	Retained     bool   `url:"retain,omitempty"`
	SoftwareType string `url:"softwaretype,omitempty"`
}

// HTTPConnector posts readings to a collector endpoint instead of a broker.
// The station and auth key travel in the query string, the reading in the
// body.
type HTTPConnector struct {
	URI          string
	StationID    string
	AuthKey      string
	SoftwareType string
	Client       *http.Client
}

func (h *HTTPConnector) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// Connect checks the endpoint answers. Any response short of a server error
// counts.
func (h *HTTPConnector) Connect(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URI, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bad collector uri")
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "reach [%v]", h.URI)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, errors.Errorf("collector unavailable HTTP [%v]", resp.Status)
	}
	return &httpSession{h: h}, nil
}

type httpSession struct {
	h *HTTPConnector
}

func (s *httpSession) Publish(ctx context.Context, m Message) error {
	vals, err := query.Values(uploadParams{
		StationID:    s.h.StationID,
		AuthKey:      s.h.AuthKey,
		Topic:        m.Topic,
		Retained:     m.Retained,
		SoftwareType: s.h.SoftwareType,
	})
	if err != nil {
		return errors.Wrap(err, "encode upload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.h.URI+"?"+vals.Encode(), bytes.NewReader(m.Payload))
	if err != nil {
		return errors.Wrap(err, "build upload")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.h.client().Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to POST data")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("failed to POST data HTTP [%v]", resp.Status)
	}
	return nil
}

func (s *httpSession) Disconnect() {
	s.h.client().CloseIdleConnections()
}
