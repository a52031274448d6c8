// Package taskdb pulls assigned tasks out of Notion databases. Notion is
// treated strictly as a remote task source: the service never writes
// back.
package taskdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Task is one assignment observed in the source: a task page fanned out
// per assignee. SourceID is the database the task came from.
type Task struct {
	Name     string
	DueDate  string
	Status   string
	Assignee string
	SourceID string
}

// PropertyNames maps the Notion database schema onto task fields. The
// defaults match the production databases.
type PropertyNames struct {
	Name     string
	DueDate  string
	Status   string
	Assignee string
}

func DefaultPropertyNames() PropertyNames {
	return PropertyNames{
		Name:     "Task name",
		DueDate:  "Срок выполнения",
		Status:   "Статус",
		Assignee: "👤 Воркер",
	}
}

// doneStatus is excluded at the source: finished tasks never reach the
// ledgers.
const doneStatus = "Done"

type ClientOptions struct {
	BaseURL     string
	Token       string
	DatabaseIDs []string
	Properties  PropertyNames
	HTTPClient  *http.Client
	APIVersion  string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *log.Logger
}

type Client struct {
	baseURL     string
	token       string
	databaseIDs []string
	props       PropertyNames
	httpClient  *http.Client
	apiVersion  string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *log.Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2025-09-03"
	}
	props := opts.Properties
	if props == (PropertyNames{}) {
		props = DefaultPropertyNames()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(opts.Token),
		databaseIDs: opts.DatabaseIDs,
		props:       props,
		httpClient:  httpClient,
		apiVersion:  apiVersion,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}
}

// AllTasks collects tasks from every configured database. A database
// that fails is logged and skipped so the remaining sources still sync.
func (c *Client) AllTasks(ctx context.Context) ([]Task, error) {
	var all []Task
	for _, dbID := range c.databaseIDs {
		tasks, err := c.TasksFromDatabase(ctx, dbID)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			c.logger.Printf("taskdb: database %s: %v", dbID, err)
			continue
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// TasksFromDatabase queries one database through its primary data source
// and fans each unfinished task out per assignee.
func (c *Client) TasksFromDatabase(ctx context.Context, databaseID string) ([]Task, error) {
	var db struct {
		DataSources []struct {
			ID string `json:"id"`
		} `json:"data_sources"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/databases/"+databaseID, nil, &db); err != nil {
		return nil, fmt.Errorf("database %s: %w", databaseID, err)
	}
	if len(db.DataSources) == 0 {
		return nil, fmt.Errorf("database %s has no data sources", databaseID)
	}
	dataSourceID := db.DataSources[0].ID

	var tasks []Task
	cursor := ""
	for {
		payload := map[string]any{}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		var page struct {
			Results []struct {
				Properties map[string]notionProperty `json:"properties"`
			} `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := c.doJSON(ctx, http.MethodPost, "/v1/data_sources/"+dataSourceID+"/query", payload, &page); err != nil {
			return nil, fmt.Errorf("query data source %s: %w", dataSourceID, err)
		}
		for _, result := range page.Results {
			props := result.Properties
			status := props[c.props.Status].selectName()
			if status == doneStatus {
				continue
			}
			name := props[c.props.Name].titleText()
			due := props[c.props.DueDate].dateStart()
			for _, ref := range props[c.props.Assignee].Relation {
				assignee := c.resolveAssigneeName(ctx, ref.ID)
				if assignee == "" {
					continue
				}
				tasks = append(tasks, Task{
					Name:     name,
					DueDate:  due,
					Status:   status,
					Assignee: assignee,
					SourceID: databaseID,
				})
			}
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return tasks, nil
}

// resolveAssigneeName fetches the related person page and reads its
// title property, whatever that property is named. Failures are logged
// per page and yield an empty name.
func (c *Client) resolveAssigneeName(ctx context.Context, pageID string) string {
	var page struct {
		Properties map[string]notionProperty `json:"properties"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &page); err != nil {
		c.logger.Printf("taskdb: assignee page %s: %v", pageID, err)
		return ""
	}
	for _, prop := range page.Properties {
		if prop.Type == "title" {
			return prop.titleText()
		}
	}
	return ""
}

type notionProperty struct {
	Type  string `json:"type"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
	Date *struct {
		Start string `json:"start"`
	} `json:"date"`
	Select *struct {
		Name string `json:"name"`
	} `json:"select"`
	Relation []struct {
		ID string `json:"id"`
	} `json:"relation"`
}

func (p notionProperty) titleText() string {
	var b strings.Builder
	for _, t := range p.Title {
		b.WriteString(t.PlainText)
	}
	return strings.TrimSpace(b.String())
}

func (p notionProperty) dateStart() string {
	if p.Date == nil {
		return ""
	}
	return strings.TrimSpace(p.Date.Start)
}

func (p notionProperty) selectName() string {
	if p.Select == nil {
		return ""
	}
	return strings.TrimSpace(p.Select.Name)
}

// doJSON issues one API call with bounded exponential backoff. 429 and
// 5xx responses are retried, honoring Retry-After when present.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c.token == "" {
		return fmt.Errorf("notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errCode := ""
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				errCode = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		if errCode != "" {
			return fmt.Errorf("notion request failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		}
		return fmt.Errorf("notion request failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
