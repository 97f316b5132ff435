// Package client drives a live group session against the proxy API: it
// loads the group, opens the event channel, reconciles incoming events
// into the state store, and sends messages optimistically.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huddlechat/huddle/internal/types"
)

const defaultTimeout = 10 * time.Second

// API is the HTTP client for the proxy surface, authenticated with the
// session cookie.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

func NewAPI(baseURL, sessionToken string, logger *log.Logger) *API {
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      sessionToken,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "token", Value: a.token})

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := http.StatusText(resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Group loads the group with its members and threads. The viewer's
// member carries the current_user flag set by the proxy.
func (a *API) Group(ctx context.Context, id string) (types.Group, error) {
	var view struct {
		Id      string         `json:"id"`
		Name    string         `json:"name"`
		Members []types.User   `json:"members"`
		Threads []types.Thread `json:"threads"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(id), nil, &view); err != nil {
		return types.Group{}, err
	}

	group := types.Group{Id: view.Id, Name: view.Name, Threads: view.Threads}
	for _, user := range view.Members {
		group.Members = append(group.Members, types.Member{User: user})
	}
	return group, nil
}

// StreamCredential fetches the websocket credential for the viewer's
// event topic.
func (a *API) StreamCredential(ctx context.Context) (types.ChannelCredential, error) {
	var cred types.ChannelCredential
	if err := a.do(ctx, http.MethodGet, "/api/streams/credential", nil, &cred); err != nil {
		return types.ChannelCredential{}, err
	}
	return cred, nil
}

// VideoCredential fetches the media room token for the viewer.
func (a *API) VideoCredential(ctx context.Context) (identity, token string, err error) {
	var body map[string]string
	if err := a.do(ctx, http.MethodGet, "/api/video", nil, &body); err != nil {
		return "", "", err
	}
	return body["identity"], body["token"], nil
}

// Messages loads the history of a thread or direct chat.
func (a *API) Messages(ctx context.Context, groupId string, chat types.ChatRef) ([]types.Message, error) {
	var body struct {
		Messages []types.Message `json:"messages"`
	}
	if err := a.do(ctx, http.MethodGet, messagePath(groupId, chat), nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func messagePath(groupId string, chat types.ChatRef) string {
	if chat.Type == types.ChatTypeChat {
		return "/api/chats/" + url.PathEscape(chat.Id) + "/messages?group_id=" + url.QueryEscape(groupId)
	}
	return "/api/threads/" + url.PathEscape(chat.Id) + "/messages"
}

// Messenger binds the API to one group as the composer's persistence
// collaborator.
func (a *API) Messenger(groupId string) *GroupMessenger {
	return &GroupMessenger{api: a, groupId: groupId}
}

type GroupMessenger struct {
	api     *API
	groupId string
}

func (g *GroupMessenger) CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error) {
	req := map[string]string{"id": msg.Id, "text": msg.Text}
	var body struct {
		Message types.Message `json:"message"`
	}
	if err := g.api.do(ctx, http.MethodPost, messagePath(g.groupId, chat), req, &body); err != nil {
		return types.Message{}, err
	}
	return body.Message, nil
}
