// Package metadata fetches the off-chain description of a dispute from an
// IPFS HTTP gateway.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultGateway = "https://ipfs.io/ipfs/"
	DefaultTimeout = 10 * time.Second

	// maxDocumentBytes bounds a metadata document read from the gateway.
	maxDocumentBytes = 1 << 20
)

var (
	// ErrEmptyPointer signals a dispute created without metadata.
	ErrEmptyPointer = errors.New("metadata: empty pointer")
	// ErrUnavailable signals a gateway miss or non-2xx response.
	ErrUnavailable = errors.New("metadata: document unavailable")
)

// Metadata is the display data of a dispute. None of it gates behaviour.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

// Placeholder is what a dispute without readable metadata shows.
func Placeholder(id uint64) Metadata {
	return Metadata{
		Title:       fmt.Sprintf("Dispute #%d", id),
		Description: "No description provided.",
		Evidence:    []string{},
	}
}

// WithPlaceholders fills empty fields from Placeholder(id).
func (m Metadata) WithPlaceholders(id uint64) Metadata {
	p := Placeholder(id)
	if strings.TrimSpace(m.Title) == "" {
		m.Title = p.Title
	}
	if strings.TrimSpace(m.Description) == "" {
		m.Description = p.Description
	}
	if m.Evidence == nil {
		m.Evidence = p.Evidence
	}
	return m
}

// Fetcher is what the voting service needs from a metadata source.
type Fetcher interface {
	Fetch(ctx context.Context, pointer string) (Metadata, error)
}

type Client struct {
	gateway string
	http    *http.Client
}

// NewClient returns a client for gateway, a URL prefix the CID is appended to.
func NewClient(gateway string) *Client {
	if gateway == "" {
		gateway = DefaultGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &Client{
		gateway: gateway,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

// Fetch downloads and decodes the document addressed by pointer. Both bare
// CIDs and ipfs:// URIs are accepted.
func (c *Client) Fetch(ctx context.Context, pointer string) (Metadata, error) {
	cid := normalizePointer(pointer)
	if cid == "" {
		return Metadata{}, ErrEmptyPointer
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+cid, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: fetch %s: %w", cid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Metadata{}, fmt.Errorf("%w: %s returned %d", ErrUnavailable, cid, resp.StatusCode)
	}

	var doc Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return Metadata{}, fmt.Errorf("metadata: decode %s: %w", cid, err)
	}
	return doc, nil
}

func normalizePointer(pointer string) string {
	p := strings.TrimSpace(pointer)
	p = strings.TrimPrefix(p, "ipfs://")
	p = strings.TrimPrefix(p, "/ipfs/")
	return strings.TrimLeft(p, "/")
}
