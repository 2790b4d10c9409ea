package dataset

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultImageTimeout = 10 * time.Second

// ImageChecker is an ingest.ImageProcessor that keeps an image only when its
// URL answers a HEAD request with 2xx.
type ImageChecker struct {
	client *http.Client
}

// NewImageChecker returns a checker using client, or a client with a 10s
// timeout when client is nil.
func NewImageChecker(client *http.Client) *ImageChecker {
	if client == nil {
		client = &http.Client{Timeout: defaultImageTimeout}
	}
	return &ImageChecker{client: client}
}

// ProcessImage implements ingest.ImageProcessor.
func (c *ImageChecker) ProcessImage(ctx context.Context, url, id, index string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("dataset: image %s/%s: %w", index, id, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("dataset: image %s/%s: %w", index, id, err)
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
