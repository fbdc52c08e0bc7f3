package checkmarx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
)

const (
	maxErrorBody  = 4 << 10
	maxReportBody = 512 << 20
)

// client is a thin REST client for one adapter run. It is not safe for
// concurrent use; every run builds its own.
type client struct {
	baseURL string
	http    *http.Client
	oauth   *oauth2.Config
	user    string
	secret  adapter.Secret
	token   *oauth2.Token
	logins  int
	maxBody int64
}

func newClient(cfg adapter.Config, opts Options) (*client, error) {
	hc, err := adapter.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	c := &client{
		baseURL: cfg.BaseURL,
		http:    hc,
		user:    cfg.Credentials.User,
		secret:  cfg.Credentials.Password,
		maxBody: maxReportBody,
		oauth: &oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/auth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{opts.Scope},
		},
	}
	opts.ClientSecret.Reveal(func(s string) { c.oauth.ClientSecret = s })
	return c, nil
}

// login fetches a fresh bearer token with the password grant.
func (c *client) login(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	var (
		tok *oauth2.Token
		err error
	)
	c.secret.Reveal(func(password string) {
		tok, err = c.oauth.PasswordCredentialsToken(ctx, c.user, password)
	})
	c.logins++
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return fmt.Errorf("login as %s: %w", c.user, &adapter.HTTPError{
				StatusCode: re.Response.StatusCode,
				Method:     http.MethodPost,
				URL:        c.oauth.Endpoint.TokenURL,
				Body:       truncate(string(re.Body)),
			})
		}
		return fmt.Errorf("login as %s: %w", c.user, err)
	}
	c.token = tok
	return nil
}

// do sends an authenticated request. An expired token is renewed first; a
// 401 answer causes one new login and one replay of the same request.
func (c *client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	if c.token == nil || !c.token.Valid() {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}
	b, err := c.send(ctx, method, path, contentType, body)
	if !adapter.IsUnauthorized(err) {
		return b, err
	}
	slog.DebugContext(ctx, "Token rejected, logging in again", "method", method, "path", path)
	metrics.Reauthenticated(Name)
	if lerr := c.login(ctx); lerr != nil {
		return nil, lerr
	}
	return c.send(ctx, method, path, contentType, body)
}

func (c *client) send(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.token.SetAuthHeader(req)

	res, err := c.http.Do(req) // #nosec G107 -- base URL comes from the executor config
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.baseURL+path, err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &adapter.HTTPError{
			StatusCode: res.StatusCode,
			Method:     method,
			URL:        c.baseURL + path,
			Body:       truncate(strings.TrimSpace(string(b))),
		}
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", method, path, err)
	}
	if int64(len(b)) > c.maxBody {
		return nil, &adapter.ProtocolError{What: fmt.Sprintf("response of %s %s exceeds %d bytes", method, path, c.maxBody)}
	}
	return b, nil
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	b, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return decode(path, b, out)
}

func (c *client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	b, err := c.do(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(path, b, out)
}

func decode(path string, b []byte, out any) error {
	if err := json.Unmarshal(b, out); err != nil {
		return &adapter.ProtocolError{What: "decoding response of " + path, Err: err}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}

type project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type idRef struct {
	ID int64 `json:"id"`
}

type scanSettings struct {
	Project             idRef `json:"project"`
	Preset              idRef `json:"preset"`
	EngineConfiguration idRef `json:"engineConfiguration"`
}

type engineConfiguration struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type queueStatus struct {
	Stage struct {
		Value string `json:"value"`
	} `json:"stage"`
	StageDetails string `json:"stageDetails"`
}

// findProject returns found=false on 404 only; every other failure is an
// error.
func (c *client) findProject(ctx context.Context, name, teamID string) (int64, bool, error) {
	q := url.Values{}
	q.Set("projectName", name)
	q.Set("teamId", teamID)
	var projects []project
	err := c.getJSON(ctx, "/projects?"+q.Encode(), &projects)
	if adapter.StatusCode(err) == http.StatusNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up project %s: %w", name, err)
	}
	if len(projects) == 0 {
		return 0, false, &adapter.ProtocolError{What: "project list is empty"}
	}
	return projects[0].ID, true, nil
}

func (c *client) createProject(ctx context.Context, name, teamID string) (int64, error) {
	in := map[string]any{"name": name, "owningTeam": teamID, "isPublic": false}
	var out idRef
	if err := c.sendJSON(ctx, http.MethodPost, "/projects", in, &out); err != nil {
		return 0, fmt.Errorf("creating project %s: %w", name, err)
	}
	if out.ID == 0 {
		return 0, &adapter.ProtocolError{What: "create project response has no id"}
	}
	return out.ID, nil
}

func (c *client) scanSettings(ctx context.Context, projectID int64) (scanSettings, error) {
	var s scanSettings
	if err := c.getJSON(ctx, "/scanSettings/"+strconv.FormatInt(projectID, 10), &s); err != nil {
		return s, fmt.Errorf("fetching scan settings: %w", err)
	}
	return s, nil
}

func (c *client) engineConfigurations(ctx context.Context) ([]engineConfiguration, error) {
	var out []engineConfiguration
	if err := c.getJSON(ctx, "/engineConfigurations", &out); err != nil {
		return nil, fmt.Errorf("fetching engine configurations: %w", err)
	}
	return out, nil
}

func (c *client) updateScanSettings(ctx context.Context, projectID, presetID, engineID int64) error {
	in := map[string]int64{"projectId": projectID, "presetId": presetID, "engineConfigurationId": engineID}
	if err := c.sendJSON(ctx, http.MethodPut, "/scanSettings", in, nil); err != nil {
		return fmt.Errorf("updating scan settings: %w", err)
	}
	return nil
}

func (c *client) uploadSource(ctx context.Context, projectID int64, archive []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("zippedSource", "sourcecode.zip")
	if err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	if _, err := fw.Write(archive); err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	path := "/projects/" + strconv.FormatInt(projectID, 10) + "/sourceCode/attachments"
	if _, err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), buf.Bytes()); err != nil {
		return fmt.Errorf("uploading source: %w", err)
	}
	return nil
}

func (c *client) startScan(ctx context.Context, projectID int64, incremental bool, comment string) (int64, error) {
	in := map[string]any{
		"projectId":     projectID,
		"isIncremental": incremental,
		"isPublic":      false,
		"forceScan":     false,
		"comment":       comment,
	}
	var out idRef
	if err := c.sendJSON(ctx, http.MethodPost, "/scans", in, &out); err != nil {
		return 0, fmt.Errorf("starting scan: %w", err)
	}
	if out.ID == 0 {
		return 0, &adapter.ProtocolError{What: "start scan response has no id"}
	}
	return out.ID, nil
}

func (c *client) queueStatus(ctx context.Context, scanID int64) (queueStatus, error) {
	var q queueStatus
	err := c.getJSON(ctx, "/scansQueue/"+strconv.FormatInt(scanID, 10), &q)
	return q, err
}

func (c *client) scanStatus(ctx context.Context, scanID int64) (string, error) {
	var s struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
	}
	if err := c.getJSON(ctx, "/scans/"+strconv.FormatInt(scanID, 10), &s); err != nil {
		return "", fmt.Errorf("fetching scan status: %w", err)
	}
	return s.Status.Name, nil
}

func (c *client) createReport(ctx context.Context, scanID int64) (int64, error) {
	in := map[string]any{"scanId": scanID, "reportType": "XML"}
	var out struct {
		ReportID int64 `json:"reportId"`
	}
	if err := c.sendJSON(ctx, http.MethodPost, "/reports", in, &out); err != nil {
		return 0, fmt.Errorf("requesting report: %w", err)
	}
	if out.ReportID == 0 {
		return 0, &adapter.ProtocolError{What: "create report response has no id"}
	}
	return out.ReportID, nil
}

func (c *client) reportStatus(ctx context.Context, reportID int64) (string, error) {
	var s struct {
		Status struct {
			Value string `json:"value"`
		} `json:"status"`
	}
	if err := c.getJSON(ctx, "/reports/"+strconv.FormatInt(reportID, 10)+"/status", &s); err != nil {
		return "", fmt.Errorf("fetching report status: %w", err)
	}
	return s.Status.Value, nil
}

func (c *client) downloadReport(ctx context.Context, reportID int64) ([]byte, error) {
	b, err := c.do(ctx, http.MethodGet, "/reports/"+strconv.FormatInt(reportID, 10), "", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading report: %w", err)
	}
	return b, nil
}
