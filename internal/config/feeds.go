package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Feed is one upstream realtime feed the pusher forwards to its authority
// node. The owning chateau and node come from the registry, not from here.
type Feed struct {
	FeedID     string            `yaml:"feed_id" validate:"required"`
	URL        string            `yaml:"url" validate:"required,url"`
	IntervalMS int               `yaml:"interval_ms" validate:"gte=0"`
	TimeoutMS  int               `yaml:"timeout_ms" validate:"gte=0"`
	Headers    map[string]string `yaml:"headers"`
}

func (f Feed) Interval() time.Duration {
	if f.IntervalMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(f.IntervalMS) * time.Millisecond
}

func (f Feed) Timeout() time.Duration {
	if f.TimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(f.TimeoutMS) * time.Millisecond
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds" validate:"required,min=1,dive"`
}

// LoadFeeds reads and validates the push-path feed list at path.
func LoadFeeds(path string) ([]Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFeeds(data)
}

func ParseFeeds(data []byte) ([]Feed, error) {
	var ff feedsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse feeds: %w", err)
	}
	if err := validator.New().Struct(ff); err != nil {
		return nil, fmt.Errorf("invalid feeds: %w", err)
	}
	seen := make(map[string]bool, len(ff.Feeds))
	for _, f := range ff.Feeds {
		if seen[f.FeedID] {
			return nil, fmt.Errorf("invalid feeds: duplicate feed_id %q", f.FeedID)
		}
		seen[f.FeedID] = true
	}
	return ff.Feeds, nil
}
