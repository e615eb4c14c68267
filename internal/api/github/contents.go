// Package github provides a client for reading and writing a single file in
// a GitHub repository through the contents API.
//
// The contents API is used as an optimistically concurrent file store: every
// read returns the blob SHA of the current revision, and every write must
// present the SHA it intends to replace. A write with a stale SHA is
// rejected, which is surfaced as [ErrConflict].
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/request"
)

const ghAPI = "https://api.github.com"

var (
	// ErrNotConfigured is returned by write operations when the client lacks a
	// token or repository.
	ErrNotConfigured = errors.New("github: not configured")
	// ErrConflict is returned when a write presented a stale or missing SHA
	// for a file that changed since it was read. The write is retryable after
	// a fresh read.
	ErrConflict = errors.New("github: sha mismatch")
)

// Client accesses a single file in a GitHub repository.
type Client struct {
	// Token is the GitHub access token used for authentication.
	Token string
	// Repo is the repository in "owner/name" form.
	Repo string
	// Path is the path of the file inside the repository.
	Path string
	// Branch is the branch to read from and commit to.
	Branch string
	// CommitMessage is used for every commit made by PutFile.
	CommitMessage string
	// HTTPClient is an optional custom HTTP client object to use for requests.
	// If not provided, request.DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// Configured reports whether the client has enough configuration to talk to
// GitHub.
func (c *Client) Configured() bool { return c.Token != "" && c.Repo != "" }

// File is a revision of the remote file: its decoded content and the blob
// SHA identifying exactly this revision.
type File struct {
	Content []byte
	SHA     string
}

// contentsResponse is the contents API representation of a file.
// See https://docs.github.com/en/rest/repos/contents.
type contentsResponse struct {
	Content string `json:"content"` // base64, possibly with embedded newlines
	SHA     string `json:"sha"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"` // base64
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

func (c *Client) headers() map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if c.Token != "" {
		h["Authorization"] = "Bearer " + c.Token
	}
	return h
}

func (c *Client) fileURL() string {
	u := ghAPI + "/repos/" + c.Repo + "/contents/" + url.PathEscape(c.Path)
	if c.Branch != "" {
		u += "?ref=" + url.QueryEscape(c.Branch)
	}
	return u
}

// GetFile retrieves the current revision of the file.
//
// An absent file and an unconfigured client both yield (nil, nil): in either
// case there is no content available, which callers must distinguish from
// transient errors.
func (c *Client) GetFile(ctx context.Context) (*File, error) {
	if !c.Configured() {
		return nil, nil
	}

	resp, err := request.Make[contentsResponse](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        c.fileURL(),
		Headers:    c.headers(),
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	if err != nil {
		if se := request.ErrStatus(err); se != nil && se.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	// The contents API wraps base64 output at 60 columns.
	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, err
	}
	return &File{Content: content, SHA: resp.SHA}, nil
}

// PutFile writes content as the new revision of the file.
//
// sha must be the SHA of the revision being replaced, or empty when the file
// is being created. If the file changed since sha was read, GitHub rejects
// the write and PutFile returns [ErrConflict].
func (c *Client) PutFile(ctx context.Context, content []byte, sha string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	msg := c.CommitMessage
	if msg == "" {
		msg = "Update " + c.Path
	}
	_, err := request.Make[request.IgnoreResponse](ctx, request.Params{
		Method: http.MethodPut,
		URL:    ghAPI + "/repos/" + c.Repo + "/contents/" + url.PathEscape(c.Path),
		Body: &putRequest{
			Message: msg,
			Content: base64.StdEncoding.EncodeToString(content),
			Branch:  c.Branch,
			SHA:     sha,
		},
		Headers:    c.headers(),
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	if err != nil {
		if se := request.ErrStatus(err); se != nil {
			// 409 is reported for racing updates, 422 for a wrong or missing SHA.
			if se.StatusCode == http.StatusConflict || se.StatusCode == http.StatusUnprocessableEntity {
				return ErrConflict
			}
		}
		return err
	}
	return nil
}
