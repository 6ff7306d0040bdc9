package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/squire/internal/events"
)

// Messages delivered to the model by the polling commands.
type (
	tickMsg   time.Time
	healthMsg struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	tasksMsg  []taskView
	eventsMsg struct {
		Events []events.Event `json:"events"`
		LastID int64          `json:"last_id"`
	}
	errMsg struct{ err error }
)

func (e errMsg) Error() string { return e.err.Error() }

// taskView mirrors the API's task shape.
type taskView struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// client polls the squire API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.get("/api/healthz", &h); err != nil {
		return errMsg{err}
	}
	return h
}

func (c *client) fetchTasks() tea.Msg {
	var tasks []taskView
	if err := c.get("/api/tasks", &tasks); err != nil {
		return errMsg{err}
	}
	return tasksMsg(tasks)
}

func (c *client) fetchEvents(since int64) tea.Cmd {
	return func() tea.Msg {
		var resp eventsMsg
		if err := c.get(fmt.Sprintf("/api/events?since=%d", since), &resp); err != nil {
			return errMsg{err}
		}
		return resp
	}
}
