package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/Vigil/pkg/errors"
)

// PackageDetails is the remote metadata of one package. TimeUpdated is 0
// when the package is private, deleted or unknown.
type PackageDetails struct {
	ID          string
	AppID       string
	Title       string
	TimeUpdated int64
}

// MetadataSource looks up package metadata in one batch.
type MetadataSource interface {
	Fetch(ctx context.Context, ids []string) (map[string]PackageDetails, error)
}

// SteamMetadata queries the Steam Web API GetPublishedFileDetails endpoint.
type SteamMetadata struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewSteamMetadata creates a metadata client with a bounded HTTP timeout.
func NewSteamMetadata(endpoint, apiKey string) *SteamMetadata {
	return &SteamMetadata{
		URL:    endpoint,
		APIKey: apiKey,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type publishedFileResponse struct {
	Response struct {
		Result  int `json:"result"`
		Details []struct {
			PublishedFileID string      `json:"publishedfileid"`
			Result          int         `json:"result"`
			ConsumerAppID   json.Number `json:"consumer_app_id"`
			Title           string      `json:"title"`
			TimeUpdated     int64       `json:"time_updated"`
		} `json:"publishedfiledetails"`
	} `json:"response"`
}

// Fetch returns details for every id the service knows about. Ids missing
// from the map had no usable metadata.
func (s *SteamMetadata) Fetch(ctx context.Context, ids []string) (map[string]PackageDetails, error) {
	if len(ids) == 0 {
		return map[string]PackageDetails{}, nil
	}

	form := url.Values{}
	form.Set("itemcount", strconv.Itoa(len(ids)))
	for i, id := range ids {
		form.Set(fmt.Sprintf("publishedfileids[%d]", i), id)
	}
	if s.APIKey != "" {
		form.Set("key", s.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetadataUnavailable, "FetchMetadata", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetadataUnavailable, "FetchMetadata", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrCodeMetadataUnavailable, "FetchMetadata", "unexpected status "+resp.Status, nil)
	}

	var body publishedFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.New(errors.ErrCodeMetadataUnavailable, "FetchMetadata", "malformed response", err)
	}

	out := make(map[string]PackageDetails, len(body.Response.Details))
	for _, d := range body.Response.Details {
		if d.Result != 1 {
			continue
		}
		out[d.PublishedFileID] = PackageDetails{
			ID:          d.PublishedFileID,
			AppID:       d.ConsumerAppID.String(),
			Title:       d.Title,
			TimeUpdated: d.TimeUpdated,
		}
	}
	return out, nil
}

// Personal.AI order the ending
