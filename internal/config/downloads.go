package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/italolelis/download_service/internal/transfer"
	"gopkg.in/yaml.v3"
)

// ErrMissingURL is returned for a downloads file entry without a url.
var ErrMissingURL = errors.New("url is required")

// yamlDownload is one entry of a downloads file. Durations are kept as strings and
// parsed with time.ParseDuration.
type yamlDownload struct {
	URL         string            `yaml:"url"`
	IgnoreCache bool              `yaml:"ignore_cache"`
	Timeout     string            `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
}

type yamlDownloads struct {
	Downloads []yamlDownload `yaml:"downloads"`
}

// LoadDownloads reads the list of downloads to start at boot from a YAML file:
//
//	downloads:
//	  - url: https://example.com/a.jpg
//	    ignore_cache: true
//	    timeout: 30s
func LoadDownloads(path string) ([]transfer.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read downloads file: %w", err)
	}

	var yd yamlDownloads
	if err := yaml.Unmarshal(data, &yd); err != nil {
		return nil, fmt.Errorf("parse downloads file: %w", err)
	}

	reqs := make([]transfer.Request, 0, len(yd.Downloads))

	for i, d := range yd.Downloads {
		if d.URL == "" {
			return nil, fmt.Errorf("downloads[%d]: %w", i, ErrMissingURL)
		}

		req := transfer.Request{URL: d.URL, IgnoreCache: d.IgnoreCache}

		if d.Timeout != "" {
			timeout, err := time.ParseDuration(d.Timeout)
			if err != nil {
				return nil, fmt.Errorf("downloads[%d]: parse timeout: %w", i, err)
			}

			req.Timeout = timeout
		}

		if len(d.Headers) > 0 {
			req.Header = make(http.Header, len(d.Headers))
			for k, v := range d.Headers {
				req.Header.Set(k, v)
			}
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}
