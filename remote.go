package gotq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	manifestPath = "/api/v1/client/game/manifest"
	chunkPath    = "/api/v1/client/chunk"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// Authorizer produces the Authorization header value for a request.
// Handshake and token signing live outside this package.
type Authorizer interface {
	Authorization(ctx context.Context) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) (string, error)

func (f AuthorizerFunc) Authorization(ctx context.Context) (string, error) {
	return f(ctx)
}

// BearerToken returns an Authorizer sending a static bearer token.
func BearerToken(token string) Authorizer {
	return AuthorizerFunc(func(context.Context) (string, error) {
		return "Bearer " + token, nil
	})
}

// Remote talks to the content server.
type Remote struct {
	Client *http.Client

	BaseURL *url.URL

	Auth Authorizer
}

// NewRemote returns a Remote for the server at base.
func NewRemote(base string, auth Authorizer) (*Remote, error) {

	u, err := url.Parse(base)

	if err != nil {
		return nil, errors.Annotatef(err, "parsing server url %q", base)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NotValidf("server url %q", base)
	}

	return &Remote{
		Client:  DefaultClient,
		BaseURL: u,
		Auth:    auth,
	}, nil
}

func (r *Remote) endpoint(path string, query url.Values) string {
	u := *r.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *Remote) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {

	var header []Header

	if r.Auth != nil {

		value, err := r.Auth.Authorization(ctx)

		if err != nil {
			return nil, communicationError(errors.Annotate(err, "generating authorization header"))
		}

		header = append(header, Header{"Authorization", value})
	}

	req, err := NewRequest(ctx, http.MethodGet, r.endpoint(path, query), header)

	if err != nil {
		return nil, communicationError(err)
	}

	client := r.Client
	if client == nil {
		client = DefaultClient
	}

	res, err := client.Do(req)

	if err != nil {
		return nil, communicationError(err)
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, communicationError(&StatusError{Code: res.StatusCode, Body: string(body)})
	}

	return res, nil
}

// Manifest fetches the manifest of a job. Any failure is a Communication
// error, it is never retried at this layer.
func (r *Remote) Manifest(ctx context.Context, meta Metadata) (Manifest, error) {

	res, err := r.get(ctx, manifestPath, url.Values{
		"id":      {meta.ID},
		"version": {meta.Version},
	})

	if err != nil {
		return nil, errors.Annotatef(err, "fetching manifest of %s", meta)
	}

	defer res.Body.Close()

	var m Manifest

	if err := json.NewDecoder(res.Body).Decode(&m); err != nil {
		return nil, communicationError(errors.Annotatef(err, "decoding manifest of %s", meta))
	}

	if err := m.Validate(); err != nil {
		return nil, communicationError(errors.Annotatef(err, "manifest of %s", meta))
	}

	return m, nil
}

// Chunk requests the bytes of one chunk. The caller owns the response body.
func (r *Remote) Chunk(ctx context.Context, dc DownloadContext) (*http.Response, error) {

	res, err := r.get(ctx, chunkPath, url.Values{
		"id":      {dc.JobID},
		"version": {dc.Version},
		"name":    {dc.FileName},
		"chunk":   {strconv.Itoa(dc.Index)},
	})

	if err != nil {
		return nil, errors.Annotatef(err, "requesting chunk %d of %s", dc.Index, dc.FileName)
	}

	return res, nil
}
