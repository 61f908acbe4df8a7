package atlas

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/icholy/digest"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
)

const defaultAPIVersion = "v1.0"

// Client is a minimal typed wrapper around the Atlas REST API. It is
// stateless: every call queries the remote control plane as ground truth.
// Rate-limited (429) and transient 5xx responses are retried with
// exponential backoff; any other 4xx is surfaced immediately.
type Client struct {
	BaseURL    string
	APIVersion string

	// MaxAttempts bounds the retry loop for 429/5xx responses.
	MaxAttempts uint
	// BackoffBase is the first retry delay; it doubles per attempt and is
	// superseded by a Retry-After header when the server sends one.
	BackoffBase time.Duration

	httpClient *http.Client
}

// NewClient builds a client authenticating with the given programmatic API
// key pair. The Atlas API uses HTTP digest authentication.
func NewClient(baseURL, publicKey, privateKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIVersion:  defaultAPIVersion,
		MaxAttempts: 10,
		BackoffBase: 1 * time.Second,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &digest.Transport{
				Username: publicKey,
				Password: privateKey,
			},
		},
	}
}

// APIResponse holds the decoded body of a successful API call
type APIResponse struct {
	StatusCode int
	Data       json.RawMessage
}

// Decode unmarshals the response body into v
func (r *APIResponse) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type apiErrorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"errorCode"`
}

// Request issues one API call and retries it on 429 and transient 5xx
// responses. Mutating calls are expected to be idempotent from the caller's
// perspective. The path is resolved under the versioned API base unless it
// starts with '/', in which case it is taken relative to the host root
// (private endpoints such as the NDS reboot live outside the public API).
func (c *Client) Request(method, path string, body interface{}) (*APIResponse, error) {
	requestURL, err := c.resourceURL(path)
	if err != nil {
		return nil, stacktrace.Propagate(err, "invalid Atlas API base url %q", c.BaseURL)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, stacktrace.Propagate(err, "unable to encode request body for %s %s", method, path)
		}
	}

	delay := c.BackoffBase
	for attempt := uint(0); attempt < c.MaxAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, requestURL, reader)
		if err != nil {
			return nil, stacktrace.Propagate(err, "unable to build request %s %s", method, path)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failures are not rate limiting; surface them so
			// callers can tell "API unreachable" apart from polling timeouts.
			return nil, stacktrace.Propagate(err, "atlas api unreachable (%s %s)", method, path)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, stacktrace.Propagate(readErr, "unable to read response body (%s %s)", method, path)
		}

		log.InfoWithValues("[Atlas]: API call", logrus.Fields{
			"method": method, "path": path, "status": resp.StatusCode, "attempt": attempt,
		})

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return &APIResponse{StatusCode: resp.StatusCode, Data: respBody}, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			wait := delay
			if retryAfter := parseRetryAfter(resp.Header); retryAfter > wait {
				wait = retryAfter
			}
			log.Warnf("[Atlas]: %s %s returned %d, retrying in %s", method, path, resp.StatusCode, wait)
			time.Sleep(wait)
			delay *= 2
			continue

		default:
			// Credential and programming errors must never be silently retried.
			var errBody apiErrorBody
			_ = json.Unmarshal(respBody, &errBody)
			return nil, stacktrace.Propagate(cerrors.AtlasAPI{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Code:       errBody.ErrorCode,
				Reason:     errBody.Detail,
			}, "atlas api request failed")
		}
	}

	return nil, stacktrace.Propagate(cerrors.AtlasAPI{
		Method: method,
		Path:   path,
		Reason: "retries exhausted while the API kept rate limiting or failing transiently",
	}, "atlas api request failed after %d attempts", c.MaxAttempts)
}

func (c *Client) resourceURL(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		base, err := url.Parse(c.BaseURL)
		if err != nil {
			return "", err
		}
		return base.Scheme + "://" + base.Host + path, nil
	}
	return c.BaseURL + "/" + c.APIVersion + "/" + path, nil
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ErrorCode extracts the Atlas API error code from err, if its root cause
// carries one. Callers use it to branch on conditions such as
// DUPLICATE_CLUSTER_NAME.
func ErrorCode(err error) string {
	if apiErr, ok := stacktrace.RootCause(err).(cerrors.AtlasAPI); ok {
		return apiErr.Code
	}
	return ""
}
